package dailyx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, user_id, session_id, description, capabilities, depends_on, status, worker_id,
	created_at, started_at, ended_at, output, error_msg, retry_count,
	next_eligible_at, last_progress_at, progress_percent, updated_at, attempt_started_at`

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var caps, deps, status string
	var workerID, output, errorMsg sql.NullString
	var startedAt, endedAt, nextEligible, lastProgress, attemptStarted sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &t.Description, &caps, &deps, &status, &workerID,
		&t.CreatedAt, &startedAt, &endedAt, &output, &errorMsg, &t.RetryCount,
		&nextEligible, &lastProgress, &t.ProgressPercent, &t.UpdatedAt, &attemptStarted); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Capabilities = decodeList(caps)
	t.DependsOn = decodeList(deps)
	t.WorkerID = nullStringPtr(workerID)
	t.Output = nullStringPtr(output)
	t.ErrorMsg = nullStringPtr(errorMsg)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.StartedAt = nullTimePtr(startedAt)
	t.EndedAt = nullTimePtr(endedAt)
	t.NextEligibleAt = nullTimePtr(nextEligible)
	t.LastProgressAt = nullTimePtr(lastProgress)
	t.AttemptStartedAt = nullTimePtr(attemptStarted)
	return &t, nil
}

// InsertTask stores a new task unless one with the same id exists. It
// reports whether a row was written, so re-running generation is harmless.
func (s *SQLStore) InsertTask(ctx context.Context, t Task) (bool, error) {
	if t.Status == "" {
		t.Status = StatusGenerated
	}
	if !t.Status.Valid() || t.Status == StatusArchived {
		return false, fmt.Errorf("%w: cannot create task in %s", ErrInvalidTransition, t.Status)
	}
	res, err := s.exec(ctx, `INSERT INTO dailyx_tasks (id, user_id, session_id, description, capabilities, depends_on,
			status, created_at, retry_count, progress_percent, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?) ON CONFLICT (id) DO NOTHING`,
		t.ID, t.UserID, t.SessionID, t.Description, encodeList(t.Capabilities), encodeList(t.DependsOn),
		string(t.Status), t.CreatedAt.UTC(), t.CreatedAt.UTC())
	if err != nil {
		return false, storageErr("insert task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("insert task", err)
	}
	return n == 1, nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM dailyx_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return t, nil
}

// ListTasks returns one consistent snapshot: a single SELECT, so no task can
// show up under two statuses.
func (s *SQLStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	q := `SELECT ` + taskColumns + ` FROM dailyx_tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("list tasks", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tasks", err)
	}
	return out, nil
}

// Transition atomically moves a task from req.From to req.To, stamping the
// timestamps that belong to the new status and appending req.Failure to the
// failure history in the same transaction.
//
// It returns ErrInvalidTransition when the task is already terminal or the
// move is off the graph, and ErrStatusConflict when the task is no longer in
// req.From. In both cases nothing is written.
func (s *SQLStore) Transition(ctx context.Context, req TransitionRequest) (*Task, error) {
	if req.To == StatusArchived {
		return nil, fmt.Errorf("%w: archival is performed by the archiver", ErrInvalidTransition)
	}
	at := req.At.UTC()
	var out *Task
	err := s.withTx(ctx, "transition", func(tx *sql.Tx) error {
		cur, err := scanTask(tx.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM dailyx_tasks WHERE id = ?`), req.TaskID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %s", ErrNotFound, req.TaskID)
		}
		if err != nil {
			return storageErr("transition", err)
		}
		if IsTerminal(cur.Status) {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, cur.ID, cur.Status)
		}
		if cur.Status != req.From {
			return fmt.Errorf("%w: task %s is %s, expected %s", ErrStatusConflict, cur.ID, cur.Status, req.From)
		}
		if err := checkTransition(req.From, req.To, req.Human); err != nil {
			return err
		}
		if req.ExpectWorker != "" && (cur.WorkerID == nil || *cur.WorkerID != req.ExpectWorker) {
			return fmt.Errorf("%w: task %s is not owned by %s", ErrStaleWorker, cur.ID, req.ExpectWorker)
		}

		set := []string{"status = ?", "updated_at = ?"}
		args := []any{string(req.To), at}
		switch req.To {
		case StatusInProgress:
			if req.WorkerID == "" {
				return fmt.Errorf("dailyx: assigning %s requires a worker id", cur.ID)
			}
			set = append(set, "worker_id = ?", "started_at = COALESCE(started_at, ?)", "attempt_started_at = ?",
				"last_progress_at = ?", "progress_percent = 0", "next_eligible_at = NULL")
			args = append(args, req.WorkerID, at, at, at)
		case StatusPending:
			if req.From == StatusFailed {
				var next any
				if req.NextEligibleAt != nil {
					next = req.NextEligibleAt.UTC()
				}
				set = append(set, "retry_count = retry_count + 1", "worker_id = NULL", "next_eligible_at = ?")
				args = append(args, next)
			}
		case StatusCompleted, StatusCancelled, StatusEscalated:
			set = append(set, "ended_at = ?")
			args = append(args, at)
		}
		if req.Output != nil {
			set = append(set, "output = ?")
			args = append(args, truncateOutput(*req.Output))
		}
		if req.ErrorMsg != nil {
			set = append(set, "error_msg = ?")
			args = append(args, truncateOutput(*req.ErrorMsg))
		}
		args = append(args, req.TaskID, string(req.From))
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE dailyx_tasks SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`), args...)
		if err != nil {
			return storageErr("transition", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("transition", err)
		}
		if n != 1 {
			return fmt.Errorf("%w: task %s changed concurrently", ErrStatusConflict, req.TaskID)
		}

		if req.Failure != nil {
			f := *req.Failure
			if f.OccurredAt.IsZero() {
				f.OccurredAt = at
			}
			var seq int
			if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM dailyx_task_failures WHERE task_id = ?`),
				req.TaskID).Scan(&seq); err != nil {
				return storageErr("append failure", err)
			}
			_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO dailyx_task_failures (task_id, seq, kind, reason, error_msg, occurred_at)
				VALUES (?, ?, ?, ?, ?, ?)`),
				req.TaskID, seq+1, string(f.Kind), f.Reason, truncateOutput(f.ErrorMsg), f.OccurredAt.UTC())
			if err != nil {
				return storageErr("append failure", err)
			}
		}

		out, err = scanTask(tx.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM dailyx_tasks WHERE id = ?`), req.TaskID))
		if err != nil {
			return storageErr("transition", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateDescription edits a task that has not been dispatched yet.
func (s *SQLStore) UpdateDescription(ctx context.Context, id, description string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE dailyx_tasks SET description = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		description, at.UTC(), id, string(StatusGenerated), string(StatusPending))
	if err != nil {
		return storageErr("update description", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update description", err)
	}
	if n == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot edit task %s in %s", ErrInvalidTransition, id, t.Status)
	}
	return nil
}

// RecordProgress stores a heartbeat from the worker that owns the task.
func (s *SQLStore) RecordProgress(ctx context.Context, id, workerID string, percent int, at time.Time) error {
	percent = max(0, min(percent, 100))
	res, err := s.exec(ctx, `UPDATE dailyx_tasks SET last_progress_at = ?, progress_percent = ?, updated_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?`,
		at.UTC(), percent, at.UTC(), id, string(StatusInProgress), workerID)
	if err != nil {
		return storageErr("record progress", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("record progress", err)
	}
	if n == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != StatusInProgress {
			return fmt.Errorf("%w: task %s is %s", ErrStatusConflict, id, t.Status)
		}
		return fmt.Errorf("%w: task %s", ErrStaleWorker, id)
	}
	return nil
}

// AdoptManualTasks moves the user's pending manual tasks into a session.
func (s *SQLStore) AdoptManualTasks(ctx context.Context, userID, sessionID string, at time.Time) (int, error) {
	res, err := s.exec(ctx, `UPDATE dailyx_tasks SET session_id = ?, updated_at = ?
		WHERE user_id = ? AND session_id = ? AND status = ?`,
		sessionID, at.UTC(), userID, ManualSessionID, string(StatusPending))
	if err != nil {
		return 0, storageErr("adopt manual tasks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("adopt manual tasks", err)
	}
	return int(n), nil
}

func (s *SQLStore) Failures(ctx context.Context, taskID string) ([]FailureRecord, error) {
	rows, err := s.query(ctx, `SELECT task_id, seq, kind, reason, error_msg, occurred_at
		FROM dailyx_task_failures WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, storageErr("failures", err)
	}
	defer rows.Close()
	var out []FailureRecord
	for rows.Next() {
		var f FailureRecord
		var kind string
		if err := rows.Scan(&f.TaskID, &f.Seq, &kind, &f.Reason, &f.ErrorMsg, &f.OccurredAt); err != nil {
			return nil, storageErr("failures", err)
		}
		f.Kind = FailureKind(kind)
		f.OccurredAt = f.OccurredAt.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failures", err)
	}
	return out, nil
}
