package dailyx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PutShared writes one entry; the latest write for a key wins.
func (s *SQLStore) PutShared(ctx context.Context, e SharedEntry) error {
	if e.SessionID == "" || e.WriterID == "" || e.Key == "" {
		return errors.New("dailyx: shared entry needs session, writer and key")
	}
	value := string(e.Value)
	if value == "" {
		value = "null"
	}
	_, err := s.exec(ctx, `INSERT INTO dailyx_shared_state (session_id, writer_id, state_key, value_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, writer_id, state_key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
		e.SessionID, e.WriterID, e.Key, value, e.UpdatedAt.UTC())
	if err != nil {
		return storageErr("put shared", err)
	}
	return nil
}

func scanShared(row interface{ Scan(...any) error }) (*SharedEntry, error) {
	var e SharedEntry
	var value string
	if err := row.Scan(&e.SessionID, &e.WriterID, &e.Key, &value, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Value = json.RawMessage(value)
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func (s *SQLStore) GetShared(ctx context.Context, sessionID, writerID, key string) (*SharedEntry, error) {
	e, err := scanShared(s.queryRow(ctx, `SELECT session_id, writer_id, state_key, value_json, updated_at
		FROM dailyx_shared_state WHERE session_id = ? AND writer_id = ? AND state_key = ?`, sessionID, writerID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: shared %s/%s/%s", ErrNotFound, sessionID, writerID, key)
	}
	if err != nil {
		return nil, storageErr("get shared", err)
	}
	return e, nil
}

func (s *SQLStore) ListShared(ctx context.Context, sessionID string) ([]SharedEntry, error) {
	rows, err := s.query(ctx, `SELECT session_id, writer_id, state_key, value_json, updated_at
		FROM dailyx_shared_state WHERE session_id = ? ORDER BY writer_id, state_key`, sessionID)
	if err != nil {
		return nil, storageErr("list shared", err)
	}
	defer rows.Close()
	var out []SharedEntry
	for rows.Next() {
		e, err := scanShared(rows)
		if err != nil {
			return nil, storageErr("list shared", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list shared", err)
	}
	return out, nil
}

// ArchiveSession copies every task of a closed session into history and
// deletes the live rows. Tasks already in history are not copied again, so
// an interrupted archive can simply be re-run.
func (s *SQLStore) ArchiveSession(ctx context.Context, sessionID string, at time.Time) (int, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Status == SessionRunning {
		return 0, fmt.Errorf("%w: session %s is still running", ErrSessionActive, sessionID)
	}
	var archived int
	err = s.withTx(ctx, "archive session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO dailyx_task_history (id, user_id, session_id, description,
				capabilities, depends_on, status, worker_id, created_at, started_at, ended_at, output, error_msg,
				retry_count, archived_at)
			SELECT t.id, t.user_id, t.session_id, t.description, t.capabilities, t.depends_on, t.status, t.worker_id,
				t.created_at, t.started_at, t.ended_at, t.output, t.error_msg, t.retry_count, `+s.timestampParam()+`
			FROM dailyx_tasks t
			WHERE t.session_id = ?
			  AND NOT EXISTS (SELECT 1 FROM dailyx_task_history h WHERE h.id = t.id)`),
			at.UTC(), sessionID)
		if err != nil {
			return storageErr("archive session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("archive session", err)
		}
		archived = int(n)
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM dailyx_tasks WHERE session_id = ?`), sessionID); err != nil {
			return storageErr("archive session", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return archived, nil
}

// PruneHistory deletes historical records archived before the cutoff, along
// with their failure history.
func (s *SQLStore) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	var pruned int
	err := s.withTx(ctx, "prune history", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM dailyx_task_failures WHERE task_id IN
			(SELECT id FROM dailyx_task_history WHERE archived_at < ?)`), before.UTC()); err != nil {
			return storageErr("prune history", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM dailyx_task_history WHERE archived_at < ?`), before.UTC())
		if err != nil {
			return storageErr("prune history", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("prune history", err)
		}
		pruned = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

const historyColumns = `id, user_id, session_id, description, capabilities, depends_on, status, worker_id,
	created_at, started_at, ended_at, output, error_msg, retry_count, archived_at`

func scanHistorical(row interface{ Scan(...any) error }) (*HistoricalTask, error) {
	var h HistoricalTask
	var caps, deps, status string
	var workerID, output, errorMsg sql.NullString
	var startedAt, endedAt sql.NullTime
	if err := row.Scan(&h.ID, &h.UserID, &h.SessionID, &h.Description, &caps, &deps, &status, &workerID,
		&h.CreatedAt, &startedAt, &endedAt, &output, &errorMsg, &h.RetryCount, &h.ArchivedAt); err != nil {
		return nil, err
	}
	h.Status = Status(status)
	h.Capabilities = decodeList(caps)
	h.DependsOn = decodeList(deps)
	h.WorkerID = nullStringPtr(workerID)
	h.Output = nullStringPtr(output)
	h.ErrorMsg = nullStringPtr(errorMsg)
	h.CreatedAt = h.CreatedAt.UTC()
	h.StartedAt = nullTimePtr(startedAt)
	h.EndedAt = nullTimePtr(endedAt)
	h.ArchivedAt = h.ArchivedAt.UTC()
	return &h, nil
}

// History lists a user's records archived at or after since, newest first.
func (s *SQLStore) History(ctx context.Context, userID string, since time.Time) ([]HistoricalTask, error) {
	rows, err := s.query(ctx, `SELECT `+historyColumns+` FROM dailyx_task_history
		WHERE user_id = ? AND archived_at >= ? ORDER BY archived_at DESC, id ASC`, userID, since.UTC())
	if err != nil {
		return nil, storageErr("history", err)
	}
	defer rows.Close()
	var out []HistoricalTask
	for rows.Next() {
		h, err := scanHistorical(rows)
		if err != nil {
			return nil, storageErr("history", err)
		}
		out = append(out, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("history", err)
	}
	return out, nil
}

func (s *SQLStore) GetHistorical(ctx context.Context, taskID string) (*HistoricalTask, error) {
	h, err := scanHistorical(s.queryRow(ctx, `SELECT `+historyColumns+` FROM dailyx_task_history WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: historical task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, storageErr("get historical", err)
	}
	return h, nil
}
