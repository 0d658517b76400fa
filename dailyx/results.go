package dailyx

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ResultSink receives worker heartbeats and outcomes.
type ResultSink interface {
	Deliver(ctx context.Context, r Result) error
}

// ResultIntake applies worker results to the state machine. Outcomes that
// were already applied are remembered for a while and dropped, which keeps
// redelivered results from producing InvalidTransition noise.
type ResultIntake struct {
	life     *Lifecycle
	recovery *Recovery
	seen     *lru.Cache[string, struct{}]
	opts     options
}

const defaultResultCacheSize = 4096

func NewResultIntake(recovery *Recovery, opts ...Option) *ResultIntake {
	seen, _ := lru.New[string, struct{}](defaultResultCacheSize)
	return &ResultIntake{life: recovery.life, recovery: recovery, seen: seen, opts: buildOptions(opts)}
}

func resultKey(r Result) string {
	return r.TaskID + "|" + r.WorkerID + "|" + string(r.Status)
}

func (in *ResultIntake) Deliver(ctx context.Context, r Result) error {
	if r.TaskID == "" || r.WorkerID == "" {
		return errors.New("dailyx: result needs task and worker ids")
	}
	if r.Status == "" {
		if err := in.checkSession(ctx, r.TaskID); err != nil {
			return err
		}
		return in.heartbeat(ctx, r)
	}
	key := resultKey(r)
	if in.seen.Contains(key) {
		in.opts.log.Debug("duplicate result dropped", "task_id", r.TaskID, "worker_id", r.WorkerID, "status", r.Status)
		return nil
	}
	if err := in.checkSession(ctx, r.TaskID); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			in.opts.log.Warn("late result dropped", "task_id", r.TaskID, "worker_id", r.WorkerID, "status", r.Status)
		}
		return err
	}
	var err error
	switch r.Status {
	case StatusCompleted:
		_, err = in.life.Complete(ctx, r.TaskID, r.WorkerID, r.Output)
	case StatusFailed:
		err = in.failed(ctx, r)
	default:
		return fmt.Errorf("dailyx: unsupported result status %q", r.Status)
	}
	if err != nil {
		return err
	}
	in.seen.Add(key, struct{}{})
	return nil
}

// checkSession rejects results for a task whose session has closed; the
// session's report is final by then. Tasks outside any stored session pass.
func (in *ResultIntake) checkSession(ctx context.Context, taskID string) error {
	t, err := in.life.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	sess, err := in.life.store.GetSession(ctx, t.SessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if sess.Status != SessionRunning {
		return fmt.Errorf("%w: %s, result for task %s rejected", ErrSessionClosed, sess.ID, taskID)
	}
	return nil
}

func (in *ResultIntake) heartbeat(ctx context.Context, r Result) error {
	percent := 0
	if r.Progress != nil {
		percent = *r.Progress
	} else {
		t, err := in.life.store.GetTask(ctx, r.TaskID)
		if err != nil {
			return err
		}
		percent = t.ProgressPercent
	}
	return in.life.store.RecordProgress(ctx, r.TaskID, r.WorkerID, percent, in.opts.clock())
}

func (in *ResultIntake) failed(ctx context.Context, r Result) error {
	t, err := in.life.store.GetTask(ctx, r.TaskID)
	if err != nil {
		return err
	}
	if t.Status != StatusInProgress {
		return fmt.Errorf("%w: task %s is %s", ErrStatusConflict, t.ID, t.Status)
	}
	if t.WorkerID == nil || *t.WorkerID != r.WorkerID {
		return fmt.Errorf("%w: task %s is not owned by %s", ErrStaleWorker, t.ID, r.WorkerID)
	}
	kind := FailureTransient
	if r.Terminal {
		kind = FailureTerminal
	}
	msg := r.Error
	if msg == "" {
		msg = "worker reported failure"
	}
	_, err = in.recovery.HandleFailure(ctx, t, kind, ReasonWorkerFailed, msg)
	return err
}
