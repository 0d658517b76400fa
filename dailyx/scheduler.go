package dailyx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Validator decides whether a pending task can be dispatched now. A non-nil
// error leaves the task pending without touching its retry budget.
type Validator interface {
	Validate(ctx context.Context, t Task) error
}

// CapabilityValidator requires every capability of a task to be available
// and every task it depends on to be completed, either live or in history.
type CapabilityValidator struct {
	Store     Store
	Available []string
}

func (v CapabilityValidator) Validate(ctx context.Context, t Task) error {
	have := make(map[string]bool, len(v.Available))
	for _, c := range v.Available {
		have[c] = true
	}
	for _, c := range t.Capabilities {
		if !have[c] {
			return fmt.Errorf("%w: missing capability %q", ErrValidation, c)
		}
	}
	for _, dep := range t.DependsOn {
		st, err := v.dependencyStatus(ctx, dep)
		if err != nil {
			return err
		}
		if st != StatusCompleted {
			return fmt.Errorf("%w: dependency %s is %s", ErrValidation, dep, st)
		}
	}
	return nil
}

func (v CapabilityValidator) dependencyStatus(ctx context.Context, id string) (Status, error) {
	d, err := v.Store.GetTask(ctx, id)
	if err == nil {
		return d.Status, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	h, err := v.Store.GetHistorical(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: unknown dependency %s", ErrValidation, id)
	}
	if err != nil {
		return "", err
	}
	return h.Status, nil
}

// DispatchRequest is what a worker needs to execute one attempt of a task.
type DispatchRequest struct {
	TaskID       string    `json:"task_id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	WorkerID     string    `json:"worker_id"`
	Description  string    `json:"description"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Attempt      int       `json:"attempt"`
	Deadline     time.Time `json:"deadline"`
}

// Dispatcher hands a task to the worker pool. accepted is false when the
// transport refused the task.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (accepted bool, err error)
}

type SchedulerConfig struct {
	MaxConcurrent int
	Interval      time.Duration
	// DispatchRate limits dispatches per second; zero means unlimited.
	DispatchRate  float64
	DispatchBurst int
}

// Scheduler moves pending tasks of a session to in_progress, oldest first,
// up to MaxConcurrent at a time.
type Scheduler struct {
	mu         sync.Mutex
	store      Store
	life       *Lifecycle
	recovery   *Recovery
	dispatcher Dispatcher
	validator  Validator
	cfg        SchedulerConfig
	limiter    *rate.Limiter
	halted     sync.Map // session id -> struct{}
	kick       chan struct{}
	opts       options
}

func NewScheduler(recovery *Recovery, dispatcher Dispatcher, validator Validator, cfg SchedulerConfig, opts ...Option) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
	}
	burst := cfg.DispatchBurst
	if burst <= 0 {
		burst = cfg.MaxConcurrent
	}
	return &Scheduler{
		store:      recovery.store,
		life:       recovery.life,
		recovery:   recovery,
		dispatcher: dispatcher,
		validator:  validator,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, burst),
		kick:       make(chan struct{}, 1),
		opts:       buildOptions(opts),
	}
}

// Halt stops all further assignment for the session. In-flight tasks are
// left alone.
func (s *Scheduler) Halt(sessionID string) {
	s.halted.Store(sessionID, struct{}{})
	s.opts.log.Info("scheduler halted", "session_id", sessionID)
}

func (s *Scheduler) isHalted(sessionID string) bool {
	_, ok := s.halted.Load(sessionID)
	return ok
}

// Kick asks a running scheduler loop to tick now, e.g. after a task was
// added mid-session.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

type validationNote struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Tick runs one assignment pass and returns how many tasks were dispatched.
// It returns ErrSessionClosed or ErrDeadlinePassed once the session can no
// longer take work.
func (s *Scheduler) Tick(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isHalted(sessionID) {
		return 0, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Status != SessionRunning {
		return 0, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	if !sess.Open(s.opts.clock()) {
		return 0, fmt.Errorf("%w: %s", ErrDeadlinePassed, sessionID)
	}

	running, err := s.store.ListTasks(ctx, TaskFilter{SessionID: sessionID, Statuses: []Status{StatusInProgress}})
	if err != nil {
		return 0, err
	}
	slots := s.cfg.MaxConcurrent - len(running)
	if slots <= 0 {
		return 0, nil
	}
	pending, err := s.store.ListTasks(ctx, TaskFilter{SessionID: sessionID, Statuses: []Status{StatusPending}})
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for i := range pending {
		if slots == 0 {
			break
		}
		t := pending[i]
		now := s.opts.clock()
		if t.NextEligibleAt != nil && now.Before(*t.NextEligibleAt) {
			continue
		}
		if s.validator != nil {
			if err := s.validator.Validate(ctx, t); err != nil {
				if !errors.Is(err, ErrValidation) {
					return dispatched, err
				}
				s.noteValidation(ctx, t, err)
				continue
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return dispatched, err
		}
		if s.isHalted(sessionID) {
			return dispatched, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
		}
		ok, err := s.assign(ctx, sess, t)
		if err != nil {
			return dispatched, err
		}
		if ok {
			dispatched++
			slots--
		}
	}
	return dispatched, nil
}

// assign performs the pending -> in_progress move and the dispatch call. A
// task that another scheduler took first is skipped.
func (s *Scheduler) assign(ctx context.Context, sess *Session, t Task) (bool, error) {
	workerID := uuid.NewString()
	assigned, err := s.life.Assign(ctx, t.ID, workerID, sess.Deadline)
	switch {
	case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrInvalidTransition):
		s.opts.log.Debug("task already taken", "task_id", t.ID, "error", err)
		return false, nil
	case err != nil:
		return false, err
	}
	accepted, derr := s.dispatcher.Dispatch(ctx, DispatchRequest{
		TaskID:       assigned.ID,
		SessionID:    assigned.SessionID,
		UserID:       assigned.UserID,
		WorkerID:     workerID,
		Description:  assigned.Description,
		Capabilities: assigned.Capabilities,
		Attempt:      assigned.RetryCount + 1,
		Deadline:     sess.Deadline,
	})
	s.opts.metrics.dispatch(accepted && derr == nil)
	if derr == nil && accepted {
		s.opts.log.Info("task dispatched", "task_id", assigned.ID, "worker_id", workerID, "attempt", assigned.RetryCount+1)
		return true, nil
	}
	msg := "dispatch rejected"
	if derr != nil {
		msg = derr.Error()
	}
	if _, err := s.recovery.HandleFailure(ctx, assigned, FailureTransient, ReasonDispatchFailed, msg); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Scheduler) noteValidation(ctx context.Context, t Task, verr error) {
	s.opts.metrics.validationFailure(validationReason(verr))
	s.opts.log.Info("task not eligible", "task_id", t.ID, "error", verr)
	raw, err := json.Marshal(validationNote{Reason: verr.Error(), At: s.opts.clock()})
	if err != nil {
		return
	}
	if err := s.store.PutShared(ctx, SharedEntry{
		SessionID: t.SessionID,
		WriterID:  "scheduler",
		Key:       "validation:" + t.ID,
		Value:     raw,
		UpdatedAt: s.opts.clock(),
	}); err != nil {
		s.opts.log.Error("write validation note", "task_id", t.ID, "error", err)
	}
}

func validationReason(err error) string {
	msg := err.Error()
	for _, r := range []string{"missing capability", "unknown dependency", "dependency"} {
		if strings.Contains(msg, r) {
			return r
		}
	}
	return "other"
}

// Run ticks on the configured interval until the session stops taking work
// or ctx is done.
func (s *Scheduler) Run(ctx context.Context, sessionID string) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		n, err := s.Tick(ctx, sessionID)
		switch {
		case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrDeadlinePassed):
			s.opts.log.Info("scheduler stopped", "session_id", sessionID, "reason", err)
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.opts.log.Error("scheduler tick", "session_id", sessionID, "error", err)
		case n > 0:
			s.opts.log.Debug("scheduler tick", "session_id", sessionID, "dispatched", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.kick:
		}
	}
}
