package dailyx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lifecycle is the only path by which task status changes. Every method is a
// single compare-and-set in the Store.
type Lifecycle struct {
	store Store
	opts  options
}

func NewLifecycle(store Store, opts ...Option) *Lifecycle {
	return &Lifecycle{store: store, opts: buildOptions(opts)}
}

// CreateTask inserts a task in generated status. An empty ID gets a random
// one. It reports false when a task with the same ID already exists, in which
// case the stored task is returned unchanged.
func (l *Lifecycle) CreateTask(ctx context.Context, userID, sessionID string, nt NewTask) (*Task, bool, error) {
	if userID == "" || sessionID == "" {
		return nil, false, errors.New("dailyx: task needs a user and a session")
	}
	id := nt.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := l.opts.clock()
	created, err := l.store.InsertTask(ctx, Task{
		ID:           id,
		UserID:       userID,
		SessionID:    sessionID,
		Description:  strings.TrimSpace(nt.Description),
		Capabilities: nt.Capabilities,
		DependsOn:    nt.DependsOn,
		Status:       StatusGenerated,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, false, err
	}
	t, err := l.store.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if created {
		l.opts.log.Info("task created", "task_id", id, "session_id", sessionID, "user_id", userID)
	}
	return t, created, nil
}

// CreateManual creates a task outside any session. It is admitted right away
// and waits in pending until the user's next session adopts it.
func (l *Lifecycle) CreateManual(ctx context.Context, userID string, nt NewTask) (*Task, error) {
	t, _, err := l.CreateTask(ctx, userID, ManualSessionID, nt)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusGenerated {
		return t, nil
	}
	return l.Admit(ctx, t.ID)
}

// Admit validates a generated task. Tasks with no description cannot be
// worked on and are cancelled instead of queued.
func (l *Lifecycle) Admit(ctx context.Context, id string) (*Task, error) {
	t, err := l.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	to := StatusPending
	var msg *string
	if strings.TrimSpace(t.Description) == "" {
		to = StatusCancelled
		m := "empty description"
		msg = &m
	}
	return l.move(ctx, TransitionRequest{TaskID: id, From: StatusGenerated, To: to, ErrorMsg: msg})
}

// Edit replaces the description of a task that has not started.
func (l *Lifecycle) Edit(ctx context.Context, id, description string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		return errors.New("dailyx: description must not be empty")
	}
	if err := l.store.UpdateDescription(ctx, id, description, l.opts.clock()); err != nil {
		return err
	}
	l.opts.log.Info("task edited", "task_id", id)
	return nil
}

// Cancel stops a task that has not been dispatched. In-progress tasks can
// only be stopped by EscalateByHuman.
func (l *Lifecycle) Cancel(ctx context.Context, id string) (*Task, error) {
	t, err := l.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusGenerated && t.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot cancel task %s in %s", ErrInvalidTransition, id, t.Status)
	}
	return l.move(ctx, TransitionRequest{TaskID: id, From: t.Status, To: StatusCancelled})
}

// Assign records workerID as the owner of a pending task. The transition is
// stamped with the current time, which must be before notAfter.
func (l *Lifecycle) Assign(ctx context.Context, id, workerID string, notAfter time.Time) (*Task, error) {
	at := l.opts.clock()
	if !notAfter.IsZero() && !at.Before(notAfter) {
		return nil, fmt.Errorf("%w: cannot assign %s at %s", ErrDeadlinePassed, id, at.Format(time.RFC3339))
	}
	return l.move(ctx, TransitionRequest{
		TaskID:   id,
		From:     StatusPending,
		To:       StatusInProgress,
		At:       at,
		WorkerID: workerID,
	})
}

// Complete records a successful result from the owning worker.
func (l *Lifecycle) Complete(ctx context.Context, id, workerID, output string) (*Task, error) {
	return l.move(ctx, TransitionRequest{
		TaskID:       id,
		From:         StatusInProgress,
		To:           StatusCompleted,
		ExpectWorker: workerID,
		Output:       &output,
	})
}

// Fail moves an in-progress task to failed and appends f to its history.
// An empty workerID skips the ownership check.
func (l *Lifecycle) Fail(ctx context.Context, id, workerID string, f FailureRecord) (*Task, error) {
	msg := f.ErrorMsg
	f.TaskID = id
	return l.move(ctx, TransitionRequest{
		TaskID:       id,
		From:         StatusInProgress,
		To:           StatusFailed,
		ExpectWorker: workerID,
		ErrorMsg:     &msg,
		Failure:      &f,
	})
}

// Requeue puts a failed task back in pending; it becomes eligible for
// dispatch at next.
func (l *Lifecycle) Requeue(ctx context.Context, id string, next time.Time) (*Task, error) {
	return l.move(ctx, TransitionRequest{
		TaskID:         id,
		From:           StatusFailed,
		To:             StatusPending,
		NextEligibleAt: &next,
	})
}

// Escalate terminates a task for human attention. human must be set to
// escalate a task that is still pending or in progress.
func (l *Lifecycle) Escalate(ctx context.Context, id string, from Status, human bool, f *FailureRecord) (*Task, error) {
	req := TransitionRequest{TaskID: id, From: from, To: StatusEscalated, Human: human, Failure: f}
	if f != nil {
		f.TaskID = id
		msg := f.ErrorMsg
		req.ErrorMsg = &msg
	}
	return l.move(ctx, req)
}

func (l *Lifecycle) move(ctx context.Context, req TransitionRequest) (*Task, error) {
	if req.At.IsZero() {
		req.At = l.opts.clock()
	}
	t, err := l.store.Transition(ctx, req)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			l.opts.log.Warn("transition rejected", "task_id", req.TaskID, "from", req.From, "to", req.To, "error", err)
		}
		return nil, err
	}
	l.opts.metrics.transition(req.From, req.To)
	l.opts.log.Info("task transition", "task_id", t.ID, "session_id", t.SessionID, "from", req.From, "to", req.To,
		"retry_count", t.RetryCount)
	return t, nil
}
