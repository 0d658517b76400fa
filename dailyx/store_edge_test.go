package dailyx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSQLStore_GetTask_NotFound(t *testing.T) {
	store := openTestStore(t)
	if rec, err := store.GetTask(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got rec=%#v err=%v", rec, err)
	}
	if _, err := store.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for session, got %v", err)
	}
}

func TestSQLStore_ClosedDBIsStorageUnavailable(t *testing.T) {
	store := openTestStore(t)
	store.DB().Close()
	_, err := store.GetTask(context.Background(), "x")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable got %v", err)
	}
}

func TestSQLStore_RebindForPostgres(t *testing.T) {
	pg := NewSQLStore(nil, DialectPostgres)
	got := pg.rebind(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	if want := `UPDATE t SET a = $1, b = $2 WHERE id = $3`; got != want {
		t.Fatalf("rebind: want %q got %q", want, got)
	}
	if p := pg.timestampParam(); p != "CAST(? AS TIMESTAMP)" {
		t.Fatalf("timestampParam: %q", p)
	}
	lite := NewSQLStore(nil, DialectSQLite)
	if q := lite.rebind(`a = ?`); q != `a = ?` {
		t.Fatalf("sqlite rebind changed query: %q", q)
	}
}

func TestSQLStore_EditOnlyBeforeDispatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	insertTestTask(t, store, "p", "s1", StatusPending, testStart)
	insertTestTask(t, store, "r", "s1", StatusInProgress, testStart)

	if err := store.UpdateDescription(ctx, "p", "new text", testStart); err != nil {
		t.Fatalf("edit pending: %v", err)
	}
	if err := store.UpdateDescription(ctx, "r", "new text", testStart); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("edit in_progress: want ErrInvalidTransition got %v", err)
	}
	r, _ := store.GetTask(ctx, "r")
	if r.Description != "task r" {
		t.Fatalf("in-progress description changed: %q", r.Description)
	}
}

func TestOpenDB_UnknownDriver(t *testing.T) {
	if _, _, err := OpenDB(context.Background(), "mysql", "dsn"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestSQLStore_ArchiveRequiresClosedSession(t *testing.T) {
	store := openTestStore(t)
	createTestSession(t, store, "s1", "u1", testStart, time.Hour)
	if _, err := store.ArchiveSession(context.Background(), "s1", testStart); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("want ErrSessionActive got %v", err)
	}
}

func TestTruncateOutput_KeepsRuneBoundary(t *testing.T) {
	in := strings.Repeat("a", maxOutputBytes-1) + "é"
	got := truncateOutput(in)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated output is not valid UTF-8")
	}
	if len(got) != maxOutputBytes-1 {
		t.Fatalf("want %d bytes got %d", maxOutputBytes-1, len(got))
	}
	if short := "ünïcode"; truncateOutput(short) != short {
		t.Fatalf("short output changed: %q", truncateOutput(short))
	}
	if got := truncateOutput("ok\xffdone"); got != "ok\uFFFDdone" {
		t.Fatalf("invalid bytes not replaced: %q", got)
	}
}

func TestSQLStore_LongMultibyteOutputIsStoredValid(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "s1", "u1", testStart, time.Hour)
	insertTestTask(t, store, "t1", "s1", StatusPending, testStart)
	if _, err := store.Transition(ctx, TransitionRequest{TaskID: "t1", From: StatusPending, To: StatusInProgress, At: testStart, WorkerID: "w1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	out := strings.Repeat("日本", maxOutputBytes)
	msg := strings.Repeat("ß", maxOutputBytes)
	got, err := store.Transition(ctx, TransitionRequest{
		TaskID: "t1", From: StatusInProgress, To: StatusFailed, At: testStart.Add(time.Second),
		Output: &out, ErrorMsg: &msg, Failure: &FailureRecord{Kind: FailureTransient, Reason: ReasonWorkerFailed, ErrorMsg: msg},
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Output == nil || !utf8.ValidString(*got.Output) || len(*got.Output) > maxOutputBytes {
		t.Fatalf("stored output invalid or too long")
	}
	if got.ErrorMsg == nil || !utf8.ValidString(*got.ErrorMsg) || len(*got.ErrorMsg) > maxOutputBytes {
		t.Fatalf("stored error invalid or too long")
	}
	history, err := store.Failures(ctx, "t1")
	if err != nil || len(history) != 1 {
		t.Fatalf("Failures: %v %#v", err, history)
	}
	if !utf8.ValidString(history[0].ErrorMsg) || len(history[0].ErrorMsg) > maxOutputBytes {
		t.Fatalf("failure record error invalid or too long")
	}
}

func TestSQLStore_RunningSessionIndexMapsToSessionActive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "s1", "u1", testStart, time.Hour)

	// a second running row that slipped past the pre-check
	_, err := store.DB().ExecContext(ctx, `INSERT INTO dailyx_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		"s2", "u1", "coordinator", "UTC", string(SessionRunning), testStart, testStart.Add(time.Hour), int64(3600))
	if err == nil {
		t.Fatalf("index accepted a second running session")
	}
	if got := sessionInsertErr(Session{ID: "s2", UserID: "u1"}, err); !errors.Is(got, ErrSessionActive) {
		t.Fatalf("want ErrSessionActive got %v", got)
	}

	// other insert failures stay storage errors
	if got := sessionInsertErr(Session{ID: "s3", UserID: "u1"}, errors.New("disk I/O error")); !errors.Is(got, ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable got %v", got)
	}
}

func TestSQLStore_MigrateTwiceKeepsAttemptColumn(t *testing.T) {
	store := openTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	insertTestTask(t, store, "t1", "s1", StatusPending, testStart)
	if _, err := store.Transition(context.Background(), TransitionRequest{TaskID: "t1", From: StatusPending, To: StatusInProgress, At: testStart, WorkerID: "w1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, err := store.GetTask(context.Background(), "t1")
	if err != nil || got.AttemptStartedAt == nil || !got.AttemptStartedAt.Equal(testStart) {
		t.Fatalf("attempt start not stored: %v %v", got, err)
	}
}
