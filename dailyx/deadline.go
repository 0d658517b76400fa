package dailyx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ComputeDeadline returns start + window evaluated in the user's timezone.
// The result is stored on the session and never recomputed.
func ComputeDeadline(start time.Time, timezone string, window time.Duration) (time.Time, error) {
	if window <= 0 {
		return time.Time{}, fmt.Errorf("dailyx: window must be positive, got %s", window)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("dailyx: timezone %q: %w", timezone, err)
	}
	return start.In(loc).Add(window).UTC(), nil
}

// ReportSink receives the final report of each session. A failed send is
// retried on the next cutoff of the session until one succeeds.
type ReportSink interface {
	SendReport(ctx context.Context, r Report) error
}

type ReportSinkFunc func(ctx context.Context, r Report) error

func (f ReportSinkFunc) SendReport(ctx context.Context, r Report) error { return f(ctx, r) }

// WarningListener is told when a session enters its grace period.
type WarningListener interface {
	StopGenerating(ctx context.Context, sessionID string) error
}

// Session step names recorded by the enforcer.
const (
	stepWarning    = "warning"
	stepReport     = "report"
	stepReportSent = "report_sent"
)

// Enforcer fires the pre-deadline warning and the hard cutoff for a
// session. Both are recorded as session steps, so firing them again after a
// restart has no further effect.
type Enforcer struct {
	store     Store
	scheduler *Scheduler
	listener  WarningListener
	sink      ReportSink
	grace     time.Duration
	opts      options
}

func NewEnforcer(store Store, scheduler *Scheduler, listener WarningListener, sink ReportSink, grace time.Duration, opts ...Option) *Enforcer {
	if grace < 0 {
		grace = 0
	}
	return &Enforcer{store: store, scheduler: scheduler, listener: listener, sink: sink, grace: grace, opts: buildOptions(opts)}
}

// WarnAt is when the grace-period warning fires.
func (e *Enforcer) WarnAt(sess Session) time.Time { return sess.Deadline.Add(-e.grace) }

// Warn records the warning and tells the listener. Assignment of already
// validated tasks continues. It reports whether this call fired it.
func (e *Enforcer) Warn(ctx context.Context, sess Session) (bool, error) {
	now := e.opts.clock()
	claimed, err := e.store.ClaimStep(ctx, sess.ID, stepWarning, map[string]time.Time{"deadline": sess.Deadline}, now)
	if err != nil || !claimed {
		return false, err
	}
	e.opts.log.Warn("session deadline approaching", "session_id", sess.ID, "deadline", sess.Deadline,
		"remaining", sess.Deadline.Sub(now).Round(time.Second))
	if e.listener != nil {
		if err := e.listener.StopGenerating(ctx, sess.ID); err != nil {
			e.opts.log.Error("stop generating", "session_id", sess.ID, "error", err)
		}
	}
	return true, nil
}

// Cutoff ends the session: it halts assignment, builds the report from the
// task set as it is, marks the session completed and sends the report.
// In-progress tasks are left untouched. Calling it again returns the stored
// report and only sends it if no earlier send succeeded. A sink failure is
// returned as ErrDeliveryFailed after the session is closed.
func (e *Enforcer) Cutoff(ctx context.Context, sessionID string) (*Report, bool, error) {
	if e.scheduler != nil {
		e.scheduler.Halt(sessionID)
	}
	rep, err := e.storedReport(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		rep, err = e.buildReport(ctx, sessionID)
	}
	if err != nil {
		return nil, false, err
	}
	if err := e.close(ctx, sessionID); err != nil {
		return rep, false, err
	}
	sent, err := e.deliver(ctx, *rep)
	return rep, sent, err
}

// buildReport snapshots the session and records the report. When a
// concurrent cutoff recorded one first, that one is returned.
func (e *Enforcer) buildReport(ctx context.Context, sessionID string) (*Report, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := e.opts.clock()
	rep, err := SessionReport(ctx, e.store, *sess, now)
	if err != nil {
		return nil, err
	}
	claimed, err := e.store.ClaimStep(ctx, sessionID, stepReport, rep, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return e.storedReport(ctx, sessionID)
	}
	e.opts.log.Info("session report", "session_id", sessionID, "total", rep.Total,
		"completion_rate", rep.CompletionRate, "avg_duration", rep.AvgDuration)
	return &rep, nil
}

// deliver sends rep unless an earlier send was confirmed, and records the
// confirmation. It reports whether this call delivered the report.
func (e *Enforcer) deliver(ctx context.Context, rep Report) (bool, error) {
	if _, err := e.store.GetStep(ctx, rep.SessionID, stepReportSent); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if e.sink != nil {
		if err := e.sink.SendReport(ctx, rep); err != nil {
			e.opts.log.Error("send report", "session_id", rep.SessionID, "error", err)
			return false, fmt.Errorf("%w: report of %s: %v", ErrDeliveryFailed, rep.SessionID, err)
		}
	}
	now := e.opts.clock()
	claimed, err := e.store.ClaimStep(ctx, rep.SessionID, stepReportSent, map[string]time.Time{"sent_at": now}, now)
	if err != nil {
		return true, err
	}
	if claimed && e.sink != nil {
		e.opts.metrics.reportSent()
	}
	return claimed, nil
}

// ReportDelivered reports whether the report of sessionID reached the sink.
func (e *Enforcer) ReportDelivered(ctx context.Context, sessionID string) (bool, error) {
	_, err := e.store.GetStep(ctx, sessionID, stepReportSent)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

func (e *Enforcer) storedReport(ctx context.Context, sessionID string) (*Report, error) {
	step, err := e.store.GetStep(ctx, sessionID, stepReport)
	if err != nil {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal(step.Payload, &rep); err != nil {
		return nil, fmt.Errorf("dailyx: decode stored report: %w", err)
	}
	return &rep, nil
}

func (e *Enforcer) close(ctx context.Context, sessionID string) error {
	closed, err := e.store.CloseSession(ctx, sessionID, SessionCompleted, e.opts.clock())
	if err != nil {
		return err
	}
	if closed {
		e.opts.log.Info("session closed", "session_id", sessionID, "status", SessionCompleted)
	}
	return nil
}

// Run waits for the warning and the deadline of sess and fires them. Timers
// are derived from the stored deadline, so a restarted process fires
// whatever is still due.
func (e *Enforcer) Run(ctx context.Context, sess Session) (*Report, error) {
	if err := e.sleepUntil(ctx, e.WarnAt(sess)); err != nil {
		return nil, nil
	}
	if _, err := e.Warn(ctx, sess); err != nil {
		e.opts.log.Error("deadline warning", "session_id", sess.ID, "error", err)
	}
	if err := e.sleepUntil(ctx, sess.Deadline); err != nil {
		return nil, nil
	}
	rep, _, err := e.Cutoff(ctx, sess.ID)
	return rep, err
}

func (e *Enforcer) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(e.opts.clock())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SessionReport builds the report for sess from the store's current task
// set and failure histories.
func SessionReport(ctx context.Context, store Store, sess Session, at time.Time) (Report, error) {
	tasks, err := store.ListTasks(ctx, TaskFilter{SessionID: sess.ID})
	if err != nil {
		return Report{}, err
	}
	failures := make(map[string][]FailureRecord)
	for _, t := range tasks {
		f, err := store.Failures(ctx, t.ID)
		if err != nil {
			return Report{}, err
		}
		if len(f) > 0 {
			failures[t.ID] = f
		}
	}
	return BuildReport(sess, tasks, failures, at), nil
}
