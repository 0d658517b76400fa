package dailyx

import (
	context "context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store abstracts persistence for sessions, tasks, shared state and history.
// Implementations must be safe for concurrent use; Transition is the single
// serialization point for task status.
type Store interface {
	Migrate(ctx context.Context) error

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ActiveSession(ctx context.Context, userID string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]Session, error)
	CloseSession(ctx context.Context, id string, to SessionStatus, endedAt time.Time) (bool, error)
	ClaimStep(ctx context.Context, sessionID, step string, payload any, at time.Time) (bool, error)
	GetStep(ctx context.Context, sessionID, step string) (*StepRecord, error)

	InsertTask(ctx context.Context, t Task) (bool, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	Transition(ctx context.Context, req TransitionRequest) (*Task, error)
	UpdateDescription(ctx context.Context, id, description string, at time.Time) error
	RecordProgress(ctx context.Context, id, workerID string, percent int, at time.Time) error
	AdoptManualTasks(ctx context.Context, userID, sessionID string, at time.Time) (int, error)
	Failures(ctx context.Context, taskID string) ([]FailureRecord, error)

	PutShared(ctx context.Context, e SharedEntry) error
	GetShared(ctx context.Context, sessionID, writerID, key string) (*SharedEntry, error)
	ListShared(ctx context.Context, sessionID string) ([]SharedEntry, error)

	ArchiveSession(ctx context.Context, sessionID string, at time.Time) (int, error)
	PruneHistory(ctx context.Context, before time.Time) (int, error)
	History(ctx context.Context, userID string, since time.Time) ([]HistoricalTask, error)
	GetHistorical(ctx context.Context, taskID string) (*HistoricalTask, error)
}

// TaskFilter narrows ListTasks. Zero fields match everything. Results are
// ordered oldest first.
type TaskFilter struct {
	SessionID string
	UserID    string
	Statuses  []Status
	Limit     int
}

// TransitionRequest describes one atomic compare-and-set status move.
type TransitionRequest struct {
	TaskID string
	From   Status
	To     Status
	At     time.Time
	// Human allows edges reserved for explicit escalation.
	Human bool

	// ExpectWorker, when set, must match the task's current worker.
	ExpectWorker   string
	WorkerID       string // recorded on pending -> in_progress
	Output         *string
	ErrorMsg       *string
	NextEligibleAt *time.Time // set on failed -> pending
	// Failure is appended to the history in the same transaction.
	Failure *FailureRecord
}

// Dialect selects placeholder style for the SQL driver in use.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStore is the reference Store backed by a relational DB (SQLite or
// Postgres). Schema is created by Migrate.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenDB opens a database for the given driver ("sqlite" or "postgres").
// SQLite connections are limited to one so writers never see SQLITE_BUSY.
func OpenDB(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	var dialect Dialect
	switch driver {
	case "sqlite":
		dialect = DialectSQLite
	case "postgres":
		dialect = DialectPostgres
	default:
		return nil, 0, fmt.Errorf("dailyx: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, 0, storageErr("open", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, 0, storageErr("pragma", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, 0, storageErr("ping", err)
	}
	return db, dialect, nil
}

func (s *SQLStore) DB() *sql.DB { return s.db }

// rebind rewrites '?' placeholders into '$n' for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timestampParam is a placeholder usable where Postgres cannot infer the
// parameter type, such as a SELECT list.
func (s *SQLStore) timestampParam() string {
	if s.dialect == DialectPostgres {
		return "CAST(? AS TIMESTAMP)"
	}
	return "?"
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

// withTx runs f inside a transaction and commits when it returns nil.
func (s *SQLStore) withTx(ctx context.Context, op string, f func(tx *sql.Tx) error) error {
	if s.db == nil {
		return storageErr(op, errors.New("nil db"))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return storageErr("migrate", errors.New("nil db"))
	}
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("migrate", err)
		}
	}
	// tables created before a column existed get it added here
	for _, stmt := range schemaUpgrades {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
			return storageErr("migrate", err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42701"
	}
	return strings.Contains(err.Error(), "duplicate column")
}

// isRunningSessionConflict reports whether err is the one-running-session
// index rejecting an insert.
func isRunningSessionConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == "dailyx_sessions_one_running"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// Code may carry the extended result code
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
			strings.Contains(liteErr.Error(), "dailyx_sessions.user_id")
	}
	return false
}

// Sessions

const sessionColumns = `id, user_id, coordinator_id, timezone, status, started_at, deadline_at, window_seconds, ended_at`

func (s *SQLStore) CreateSession(ctx context.Context, sess Session) error {
	return s.withTx(ctx, "create session", func(tx *sql.Tx) error {
		var running string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM dailyx_sessions WHERE user_id = ? AND status = ?`),
			sess.UserID, string(SessionRunning)).Scan(&running)
		switch {
		case err == nil:
			return fmt.Errorf("%w: user %s has session %s", ErrSessionActive, sess.UserID, running)
		case !errors.Is(err, sql.ErrNoRows):
			return storageErr("create session", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO dailyx_sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
			sess.ID, sess.UserID, sess.CoordinatorID, sess.Timezone, string(sess.Status),
			sess.StartedAt.UTC(), sess.Deadline.UTC(), int64(sess.Window/time.Second))
		if err != nil {
			return sessionInsertErr(sess, err)
		}
		return nil
	})
}

// sessionInsertErr maps a lost race for the running slot to ErrSessionActive.
func sessionInsertErr(sess Session, err error) error {
	if isRunningSessionConflict(err) {
		return fmt.Errorf("%w: user %s already has a running session", ErrSessionActive, sess.UserID)
	}
	return storageErr("create session", err)
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var status string
	var windowSeconds int64
	var endedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.CoordinatorID, &sess.Timezone, &status,
		&sess.StartedAt, &sess.Deadline, &windowSeconds, &endedAt); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.Window = time.Duration(windowSeconds) * time.Second
	sess.StartedAt = sess.StartedAt.UTC()
	sess.Deadline = sess.Deadline.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		sess.EndedAt = &t
	}
	return &sess, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM dailyx_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return sess, nil
}

func (s *SQLStore) ActiveSession(ctx context.Context, userID string) (*Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM dailyx_sessions WHERE user_id = ? AND status = ?`,
		userID, string(SessionRunning))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no running session for %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, storageErr("active session", err)
	}
	return sess, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, userID string, limit int) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM dailyx_sessions WHERE user_id = ? ORDER BY started_at DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("list sessions", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}
	return out, nil
}

// CloseSession moves a running session to a closed status. It reports false
// when the session was already closed, which makes closing idempotent.
func (s *SQLStore) CloseSession(ctx context.Context, id string, to SessionStatus, endedAt time.Time) (bool, error) {
	if to == SessionRunning {
		return false, fmt.Errorf("dailyx: cannot close session into %s", to)
	}
	res, err := s.exec(ctx, `UPDATE dailyx_sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?`,
		string(to), endedAt.UTC(), id, string(SessionRunning))
	if err != nil {
		return false, storageErr("close session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("close session", err)
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// ClaimStep records a coordinator decision once. It returns true only for
// the caller that recorded it.
func (s *SQLStore) ClaimStep(ctx context.Context, sessionID, step string, payload any, at time.Time) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `INSERT INTO dailyx_session_steps (session_id, step, payload_json, recorded_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (session_id, step) DO NOTHING`,
		sessionID, step, string(raw), at.UTC())
	if err != nil {
		return false, storageErr("claim step", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("claim step", err)
	}
	return n == 1, nil
}

func (s *SQLStore) GetStep(ctx context.Context, sessionID, step string) (*StepRecord, error) {
	rec := StepRecord{SessionID: sessionID, Step: step}
	var payload string
	err := s.queryRow(ctx, `SELECT payload_json, recorded_at FROM dailyx_session_steps WHERE session_id = ? AND step = ?`,
		sessionID, step).Scan(&payload, &rec.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: step %s/%s", ErrNotFound, sessionID, step)
	}
	if err != nil {
		return nil, storageErr("get step", err)
	}
	rec.Payload = json.RawMessage(payload)
	rec.RecordedAt = rec.RecordedAt.UTC()
	return &rec, nil
}
