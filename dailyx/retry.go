package dailyx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds automatic retries of a task.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Backoff returns the wait before the retry that follows failure number
// attempt (1-based): BaseDelay doubled per prior failure, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether a task with this many recorded failures must be
// escalated rather than retried.
func (p RetryPolicy) Exhausted(failures int) bool {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	return failures >= limit
}

// Notifier delivers escalation events to whoever watches for human work.
type Notifier interface {
	Escalated(ctx context.Context, ev EscalationEvent) error
}

type NotifierFunc func(ctx context.Context, ev EscalationEvent) error

func (f NotifierFunc) Escalated(ctx context.Context, ev EscalationEvent) error { return f(ctx, ev) }

// LogNotifier writes escalations to a logger. It is the default notifier.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Escalated(_ context.Context, ev EscalationEvent) error {
	l := n.Log
	if l == nil {
		l = slog.Default()
	}
	l.Warn("task escalated", "task_id", ev.TaskID, "session_id", ev.SessionID, "attempts", ev.Attempts,
		"last_error", ev.LastError, "description", ev.Description)
	return nil
}

// Recovery applies the retry and escalation policy to failed tasks.
type Recovery struct {
	life     *Lifecycle
	store    Store
	policy   RetryPolicy
	notifier Notifier
	opts     options
}

func NewRecovery(life *Lifecycle, policy RetryPolicy, notifier Notifier, opts ...Option) *Recovery {
	o := buildOptions(opts)
	if notifier == nil {
		notifier = LogNotifier{Log: o.log}
	}
	return &Recovery{life: life, store: life.store, policy: policy, notifier: notifier, opts: o}
}

func (r *Recovery) Policy() RetryPolicy { return r.policy }

// HandleFailure records a failed attempt of an in-progress task and then
// decides between retry and escalation. The failure is only recorded if t
// is still owned by the same worker, so a late report for an attempt that
// was already written off changes nothing.
func (r *Recovery) HandleFailure(ctx context.Context, t *Task, kind FailureKind, reason, errText string) (*Task, error) {
	if t.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: task %s is %s", ErrStatusConflict, t.ID, t.Status)
	}
	worker := ""
	if t.WorkerID != nil {
		worker = *t.WorkerID
	}
	r.opts.metrics.failure(kind)
	failed, err := r.life.Fail(ctx, t.ID, worker, FailureRecord{
		Kind:       kind,
		Reason:     reason,
		ErrorMsg:   errText,
		OccurredAt: r.opts.clock(),
	})
	if err != nil {
		return nil, err
	}
	r.opts.log.Warn("task attempt failed", "task_id", t.ID, "worker_id", worker, "kind", kind,
		"reason", reason, "error", errText)
	return r.ResolveFailed(ctx, failed)
}

// ResolveFailed moves a task out of failed using only its durable failure
// history, so it is also how a sweep finishes a decision interrupted by a
// crash.
func (r *Recovery) ResolveFailed(ctx context.Context, t *Task) (*Task, error) {
	history, err := r.store.Failures(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	attempts := max(len(history), t.RetryCount+1)
	var last FailureRecord
	if len(history) > 0 {
		last = history[len(history)-1]
	}
	switch {
	case last.Kind == FailureTerminal, last.Kind == FailureHuman, r.policy.Exhausted(attempts):
		esc, err := r.life.Escalate(ctx, t.ID, StatusFailed, false, nil)
		if err != nil {
			return nil, err
		}
		if err := r.notify(ctx, esc, attempts, history, last.Kind); err != nil && !errors.Is(err, ErrDeliveryFailed) {
			return esc, err
		}
		return esc, nil
	default:
		from := last.OccurredAt
		if from.IsZero() {
			from = r.opts.clock()
		}
		next := from.Add(r.policy.Backoff(attempts))
		requeued, err := r.life.Requeue(ctx, t.ID, next)
		if err != nil {
			return nil, err
		}
		r.opts.log.Info("task requeued", "task_id", t.ID, "attempt", attempts, "next_eligible_at", next)
		return requeued, nil
	}
}

// EscalateByHuman forcibly terminates a task that is pending, in progress
// or failed. It is the only sanctioned way to stop in-flight work.
func (r *Recovery) EscalateByHuman(ctx context.Context, taskID, note string) (*Task, error) {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if note == "" {
		note = "escalated by operator"
	}
	esc, err := r.life.Escalate(ctx, taskID, t.Status, true, &FailureRecord{
		Kind:       FailureHuman,
		Reason:     ReasonHumanEscalation,
		ErrorMsg:   note,
		OccurredAt: r.opts.clock(),
	})
	if err != nil {
		return nil, err
	}
	history, err := r.store.Failures(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := r.notify(ctx, esc, len(history), history, FailureHuman); err != nil && !errors.Is(err, ErrDeliveryFailed) {
		return esc, err
	}
	return esc, nil
}

func escalationStep(taskID string) string     { return "escalation:" + taskID }
func escalationSentStep(taskID string) string { return "escalation_sent:" + taskID }

func (r *Recovery) escalationEvent(t *Task, attempts int, history []FailureRecord) EscalationEvent {
	ev := EscalationEvent{
		TaskID:      t.ID,
		SessionID:   t.SessionID,
		Description: t.Description,
		Attempts:    attempts,
		Timestamp:   r.opts.clock(),
		History:     history,
	}
	if len(history) > 0 {
		ev.LastError = history[len(history)-1].ErrorMsg
	}
	return ev
}

// notify records the escalation event of t as a session step and delivers
// it. A replayed decision finds the step and does not count the escalation
// again; it is only sent again if no delivery was confirmed.
func (r *Recovery) notify(ctx context.Context, t *Task, attempts int, history []FailureRecord, kind FailureKind) error {
	ev := r.escalationEvent(t, attempts, history)
	claimed, err := r.store.ClaimStep(ctx, t.SessionID, escalationStep(t.ID), ev, ev.Timestamp)
	if err != nil {
		return err
	}
	if claimed {
		if kind == "" {
			kind = FailureTransient
		}
		r.opts.metrics.escalation(kind)
	}
	_, err = r.deliverEscalation(ctx, t.SessionID, t.ID)
	return err
}

// RedeliverEscalation sends the event of an escalated task whose delivery
// was never confirmed. It reports whether this call delivered it.
func (r *Recovery) RedeliverEscalation(ctx context.Context, t *Task) (bool, error) {
	if t.Status != StatusEscalated {
		return false, nil
	}
	_, err := r.store.GetStep(ctx, t.SessionID, escalationStep(t.ID))
	switch {
	case errors.Is(err, ErrNotFound):
		// the escalation committed but recording its event did not
		history, err := r.store.Failures(ctx, t.ID)
		if err != nil {
			return false, err
		}
		var kind FailureKind
		if len(history) > 0 {
			kind = history[len(history)-1].Kind
		}
		err = r.notify(ctx, t, max(len(history), t.RetryCount+1), history, kind)
		return err == nil, err
	case err != nil:
		return false, err
	}
	return r.deliverEscalation(ctx, t.SessionID, t.ID)
}

// redeliverSession runs RedeliverEscalation for every escalated task of the
// session. Delivery failures are joined and do not stop the pass.
func (r *Recovery) redeliverSession(ctx context.Context, sessionID string) ([]string, error) {
	escalated, err := r.store.ListTasks(ctx, TaskFilter{SessionID: sessionID, Statuses: []Status{StatusEscalated}})
	if err != nil {
		return nil, err
	}
	var sent []string
	var undelivered []error
	for i := range escalated {
		ok, err := r.RedeliverEscalation(ctx, &escalated[i])
		switch {
		case errors.Is(err, ErrDeliveryFailed):
			undelivered = append(undelivered, err)
		case err != nil:
			return sent, err
		}
		if ok {
			sent = append(sent, escalated[i].ID)
		}
	}
	return sent, errors.Join(undelivered...)
}

func (r *Recovery) deliverEscalation(ctx context.Context, sessionID, taskID string) (bool, error) {
	if _, err := r.store.GetStep(ctx, sessionID, escalationSentStep(taskID)); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	step, err := r.store.GetStep(ctx, sessionID, escalationStep(taskID))
	if err != nil {
		return false, err
	}
	var ev EscalationEvent
	if err := json.Unmarshal(step.Payload, &ev); err != nil {
		return false, fmt.Errorf("dailyx: decode escalation of %s: %w", taskID, err)
	}
	if err := r.notifier.Escalated(ctx, ev); err != nil {
		if !errors.Is(err, context.Canceled) {
			r.opts.log.Error("escalation notification failed", "task_id", taskID, "error", err)
		}
		return false, fmt.Errorf("%w: escalation of %s: %v", ErrDeliveryFailed, taskID, err)
	}
	now := r.opts.clock()
	if _, err := r.store.ClaimStep(ctx, sessionID, escalationSentStep(taskID), map[string]time.Time{"sent_at": now}, now); err != nil {
		return true, err
	}
	return true, nil
}
