package dailyx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type CheckpointConfig struct {
	Interval       time.Duration
	StallThreshold time.Duration
	// TaskTimeout bounds a single attempt; zero disables it.
	TaskTimeout time.Duration
}

// SweepResult summarizes one checkpoint pass. It is also the value persisted
// under the checkpoint writer's "last_sweep" key.
type SweepResult struct {
	At         time.Time `json:"at"`
	InProgress int       `json:"in_progress"`
	Stalled    []string  `json:"stalled,omitempty"`
	TimedOut   []string  `json:"timed_out,omitempty"`
	Resolved   []string  `json:"resolved,omitempty"`
	Notified   []string  `json:"notified,omitempty"`
}

// Checkpointer periodically reconciles in-flight tasks against their last
// progress signal. It keeps no state of its own between sweeps.
type Checkpointer struct {
	store    Store
	recovery *Recovery
	cfg      CheckpointConfig
	opts     options
}

const checkpointWriter = "checkpoint"

func NewCheckpointer(recovery *Recovery, cfg CheckpointConfig, opts ...Option) *Checkpointer {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 10 * time.Minute
	}
	return &Checkpointer{store: recovery.store, recovery: recovery, cfg: cfg, opts: buildOptions(opts)}
}

// Sweep checks every in-progress task of the session once. Stalled and timed
// out tasks are failed through the recovery policy; tasks left in failed by
// an interrupted decision are resolved. Escalations whose notification never
// went through are sent again.
func (c *Checkpointer) Sweep(ctx context.Context, sessionID string) (SweepResult, error) {
	now := c.opts.clock()
	res := SweepResult{At: now}
	running, err := c.store.ListTasks(ctx, TaskFilter{SessionID: sessionID, Statuses: []Status{StatusInProgress}})
	if err != nil {
		return res, err
	}
	res.InProgress = len(running)
	c.opts.metrics.setInProgress(len(running))

	for i := range running {
		t := &running[i]
		kind, reason, msg := c.inspect(t, now)
		if kind == "" {
			continue
		}
		_, err = c.recovery.HandleFailure(ctx, t, kind, reason, msg)
		switch {
		case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrStaleWorker), errors.Is(err, ErrInvalidTransition):
			// a result arrived between the list and the failure
			continue
		case err != nil:
			return res, err
		}
		if reason == ReasonWorkerStalled {
			res.Stalled = append(res.Stalled, t.ID)
		} else {
			res.TimedOut = append(res.TimedOut, t.ID)
		}
	}

	failed, err := c.store.ListTasks(ctx, TaskFilter{SessionID: sessionID, Statuses: []Status{StatusFailed}})
	if err != nil {
		return res, err
	}
	for i := range failed {
		_, err := c.recovery.ResolveFailed(ctx, &failed[i])
		switch {
		case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrInvalidTransition):
			continue
		case err != nil:
			return res, err
		}
		res.Resolved = append(res.Resolved, failed[i].ID)
	}

	notified, err := c.recovery.redeliverSession(ctx, sessionID)
	res.Notified = notified
	if err != nil && !errors.Is(err, ErrDeliveryFailed) {
		return res, err
	}

	if err := c.record(ctx, sessionID, res); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Checkpointer) inspect(t *Task, now time.Time) (FailureKind, string, string) {
	last := t.lastSignal()
	if !last.IsZero() && now.Sub(last) > c.cfg.StallThreshold {
		return FailureStall, ReasonWorkerStalled,
			fmt.Sprintf("no progress for %s", now.Sub(last).Round(time.Second))
	}
	start := t.AttemptStartedAt
	if start == nil {
		start = t.StartedAt
	}
	if c.cfg.TaskTimeout > 0 && start != nil && now.Sub(*start) > c.cfg.TaskTimeout {
		return FailureTransient, ReasonTaskTimeout,
			fmt.Sprintf("attempt exceeded %s", c.cfg.TaskTimeout)
	}
	return "", "", ""
}

func (c *Checkpointer) record(ctx context.Context, sessionID string, res SweepResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.store.PutShared(ctx, SharedEntry{
		SessionID: sessionID,
		WriterID:  checkpointWriter,
		Key:       "last_sweep",
		Value:     raw,
		UpdatedAt: res.At,
	})
}

// Run sweeps on the configured interval until the session closes or ctx is
// done.
func (c *Checkpointer) Run(ctx context.Context, sessionID string) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		sess, err := c.store.GetSession(ctx, sessionID)
		if err != nil {
			c.opts.log.Error("checkpoint session lookup", "session_id", sessionID, "error", err)
			continue
		}
		if sess.Status != SessionRunning {
			return nil
		}
		res, err := c.Sweep(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.opts.log.Error("checkpoint sweep", "session_id", sessionID, "error", err)
			continue
		}
		c.opts.log.Debug("checkpoint sweep", "session_id", sessionID, "in_progress", res.InProgress,
			"stalled", len(res.Stalled), "resolved", len(res.Resolved))
	}
}
