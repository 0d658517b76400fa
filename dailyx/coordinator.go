package dailyx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Coordinator step names. Each is recorded once per session.
const (
	stepInit     = "init"
	stepAdopt    = "adopt"
	stepGenerate = "generate"
)

var taskNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/mohans/dailyx/tasks"))

// generatedTaskID is stable for a session and position, so generating again
// after a crash inserts nothing new.
func generatedTaskID(sessionID string, i int) string {
	return uuid.NewSHA1(taskNamespace, []byte(fmt.Sprintf("%s:generated:%d", sessionID, i))).String()
}

func signalTaskID(sessionID, signalID string) string {
	return uuid.NewSHA1(taskNamespace, []byte(sessionID+":signal:"+signalID)).String()
}

// Collaborators are the optional external parts of a coordinator. Zero
// values fall back to logging notifiers and a capability validator built
// from the config.
type Collaborators struct {
	Notifier  Notifier
	Reports   ReportSink
	Inbox     Inbox
	Validator Validator
}

// Coordinator drives sessions end to end: init, adoption of manual tasks,
// generation, admission, the scheduling, checkpoint, signal and deadline
// loops, and finally report and archival. Every step is recorded in the
// store before the next one starts, so Resume continues a session after a
// crash without repeating side effects.
type Coordinator struct {
	store        Store
	cfg          Config
	generator    Generator
	inbox        Inbox
	life         *Lifecycle
	recovery     *Recovery
	intake       *ResultIntake
	scheduler    *Scheduler
	checkpointer *Checkpointer
	enforcer     *Enforcer
	archiver     *Archiver
	opts         options
}

func NewCoordinator(store Store, dispatcher Dispatcher, generator Generator, cfg Config, collab Collaborators, opts ...Option) *Coordinator {
	o := buildOptions(opts)
	life := NewLifecycle(store, opts...)
	recovery := NewRecovery(life, cfg.RetryPolicy(), collab.Notifier, opts...)
	validator := collab.Validator
	if validator == nil {
		validator = CapabilityValidator{Store: store, Available: cfg.Capabilities}
	}
	scheduler := NewScheduler(recovery, dispatcher, validator, cfg.SchedulerConfig(), opts...)
	var listener WarningListener
	if generator != nil {
		listener = generator
	}
	return &Coordinator{
		store:        store,
		cfg:          cfg,
		generator:    generator,
		inbox:        collab.Inbox,
		life:         life,
		recovery:     recovery,
		intake:       NewResultIntake(recovery, opts...),
		scheduler:    scheduler,
		checkpointer: NewCheckpointer(recovery, cfg.CheckpointConfig(), opts...),
		enforcer:     NewEnforcer(store, scheduler, listener, collab.Reports, cfg.Grace, opts...),
		archiver:     NewArchiver(store, cfg.Retention, opts...),
		opts:         o,
	}
}

func (c *Coordinator) Lifecycle() *Lifecycle       { return c.life }
func (c *Coordinator) Recovery() *Recovery         { return c.recovery }
func (c *Coordinator) Results() *ResultIntake      { return c.intake }
func (c *Coordinator) Scheduler() *Scheduler       { return c.scheduler }
func (c *Coordinator) Checkpointer() *Checkpointer { return c.checkpointer }
func (c *Coordinator) Enforcer() *Enforcer         { return c.enforcer }
func (c *Coordinator) Archiver() *Archiver         { return c.archiver }

// Start opens sessionID for userID, or returns it unchanged when it already
// exists. A running session of the same user whose deadline has passed is
// closed first; one that is still open makes Start fail with
// ErrSessionActive.
func (c *Coordinator) Start(ctx context.Context, userID, sessionID string) (*Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err == nil {
		if sess.UserID != userID {
			return nil, fmt.Errorf("dailyx: session %s belongs to %s", sessionID, sess.UserID)
		}
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := c.opts.clock()
	active, err := c.store.ActiveSession(ctx, userID)
	switch {
	case err == nil && active.Open(now):
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, active.ID)
	case err == nil:
		c.opts.log.Warn("closing overdue session", "session_id", active.ID, "deadline", active.Deadline)
		if _, err := c.finish(ctx, active.ID); err != nil && !errors.Is(err, ErrDeliveryFailed) {
			return nil, err
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	c.settle(ctx, userID)

	deadline, err := ComputeDeadline(now, c.cfg.Timezone, c.cfg.Window)
	if err != nil {
		return nil, err
	}
	s := Session{
		ID:            sessionID,
		UserID:        userID,
		CoordinatorID: c.cfg.CoordinatorID,
		Timezone:      c.cfg.Timezone,
		Status:        SessionRunning,
		StartedAt:     now,
		Deadline:      deadline,
		Window:        c.cfg.Window,
	}
	if err := c.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	if _, err := c.store.ClaimStep(ctx, sessionID, stepInit, s, now); err != nil {
		return nil, err
	}
	c.opts.log.Info("session started", "session_id", sessionID, "user_id", userID, "deadline", deadline)
	return &s, nil
}

// Run starts (or continues) a session and blocks until it is closed and
// archived.
func (c *Coordinator) Run(ctx context.Context, userID, sessionID string) (*Report, error) {
	if _, err := c.Start(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return c.Resume(ctx, sessionID)
}

// Resume continues a session from its last recorded step. For a session
// that is already closed it only finishes report and archival.
func (c *Coordinator) Resume(ctx context.Context, sessionID string) (*Report, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != SessionRunning {
		return c.finish(ctx, sessionID)
	}
	if err := c.prepare(ctx, sess); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()
	g.Go(func() error {
		defer stop()
		_, err := c.enforcer.Run(runCtx, *sess)
		if errors.Is(err, ErrDeliveryFailed) {
			// finish sends it again
			return nil
		}
		return err
	})
	g.Go(func() error { return c.scheduler.Run(runCtx, sessionID) })
	g.Go(func() error { return c.checkpointer.Run(runCtx, sessionID) })
	g.Go(func() error { return c.watchCompletion(runCtx, sessionID, stop) })
	if c.inbox != nil {
		g.Go(func() error { return c.consumeSignals(runCtx, sessionID) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.finish(ctx, sessionID)
}

// prepare runs the one-shot steps of a session that are not recorded yet.
func (c *Coordinator) prepare(ctx context.Context, sess *Session) error {
	now := c.opts.clock()
	if done, err := c.stepDone(ctx, sess.ID, stepAdopt); err != nil {
		return err
	} else if !done {
		n, err := c.store.AdoptManualTasks(ctx, sess.UserID, sess.ID, now)
		if err != nil {
			return err
		}
		if _, err := c.store.ClaimStep(ctx, sess.ID, stepAdopt, map[string]int{"adopted": n}, now); err != nil {
			return err
		}
		if n > 0 {
			c.opts.log.Info("manual tasks adopted", "session_id", sess.ID, "count", n)
		}
	}

	if done, err := c.stepDone(ctx, sess.ID, stepGenerate); err != nil {
		return err
	} else if !done {
		var ids []string
		if c.generator != nil {
			tasks, err := c.generator.Generate(ctx, *sess)
			if err != nil {
				return fmt.Errorf("dailyx: generate tasks: %w", err)
			}
			for i, nt := range tasks {
				if nt.ID == "" {
					nt.ID = generatedTaskID(sess.ID, i)
				}
				t, _, err := c.life.CreateTask(ctx, sess.UserID, sess.ID, nt)
				if err != nil {
					return err
				}
				ids = append(ids, t.ID)
			}
		}
		if _, err := c.store.ClaimStep(ctx, sess.ID, stepGenerate, ids, c.opts.clock()); err != nil {
			return err
		}
		c.opts.log.Info("tasks generated", "session_id", sess.ID, "count", len(ids))
	}

	generated, err := c.store.ListTasks(ctx, TaskFilter{SessionID: sess.ID, Statuses: []Status{StatusGenerated}})
	if err != nil {
		return err
	}
	for _, t := range generated {
		if _, err := c.life.Admit(ctx, t.ID); err != nil && !errors.Is(err, ErrStatusConflict) {
			return err
		}
	}
	return nil
}

func (c *Coordinator) stepDone(ctx context.Context, sessionID, step string) (bool, error) {
	_, err := c.store.GetStep(ctx, sessionID, step)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// watchCompletion ends the run early once no task can make further
// progress.
func (c *Coordinator) watchCompletion(ctx context.Context, sessionID string, stop context.CancelFunc) error {
	interval := c.cfg.SchedulerInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		done, err := c.allTerminal(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.opts.log.Error("completion check", "session_id", sessionID, "error", err)
			continue
		}
		if done {
			c.opts.log.Info("all tasks terminal", "session_id", sessionID)
			stop()
			return nil
		}
	}
}

func (c *Coordinator) allTerminal(ctx context.Context, sessionID string) (bool, error) {
	open, err := c.store.ListTasks(ctx, TaskFilter{
		SessionID: sessionID,
		Statuses:  []Status{StatusGenerated, StatusPending, StatusInProgress, StatusFailed},
		Limit:     1,
	})
	if err != nil {
		return false, err
	}
	return len(open) == 0, nil
}

// finish closes the session through the enforcer and archives it. The
// report and escalation events that were never delivered are sent first;
// while any of them still fails the tasks stay live and the error wraps
// ErrDeliveryFailed, so a later finish can try again.
func (c *Coordinator) finish(ctx context.Context, sessionID string) (*Report, error) {
	rep, _, err := c.enforcer.Cutoff(ctx, sessionID)
	var undelivered []error
	if errors.Is(err, ErrDeliveryFailed) {
		undelivered = append(undelivered, err)
	} else if err != nil {
		return nil, err
	}
	if _, err := c.recovery.redeliverSession(ctx, sessionID); errors.Is(err, ErrDeliveryFailed) {
		undelivered = append(undelivered, err)
	} else if err != nil {
		return rep, err
	}
	if len(undelivered) > 0 {
		c.opts.log.Warn("session kept live until delivery succeeds", "session_id", sessionID)
		return rep, errors.Join(undelivered...)
	}
	if c.cfg.SkipArchive {
		return rep, nil
	}
	if _, err := c.archiver.ArchiveSession(ctx, sessionID); err != nil {
		return rep, err
	}
	if _, err := c.archiver.Prune(ctx); err != nil {
		return rep, err
	}
	if d, ok := c.inbox.(interface {
		Discard(ctx context.Context, sessionID string) error
	}); ok {
		if err := d.Discard(ctx, sessionID); err != nil {
			c.opts.log.Warn("discard signals", "session_id", sessionID, "error", err)
		}
	}
	return rep, nil
}

// settleLookback is how many recent sessions settle inspects.
const settleLookback = 7

// settle finishes recent closed sessions of userID that still have an
// undelivered report or live tasks. Failures are logged; the next start
// tries again.
func (c *Coordinator) settle(ctx context.Context, userID string) {
	sessions, err := c.store.ListSessions(ctx, userID, settleLookback)
	if err != nil {
		c.opts.log.Warn("list sessions to settle", "user_id", userID, "error", err)
		return
	}
	for _, s := range sessions {
		if s.Status == SessionRunning {
			continue
		}
		pending, err := c.unsettled(ctx, s.ID)
		if err != nil {
			c.opts.log.Warn("inspect closed session", "session_id", s.ID, "error", err)
			continue
		}
		if !pending {
			continue
		}
		if _, err := c.finish(ctx, s.ID); err != nil {
			c.opts.log.Warn("settle closed session", "session_id", s.ID, "error", err)
		} else {
			c.opts.log.Info("closed session settled", "session_id", s.ID)
		}
	}
}

func (c *Coordinator) unsettled(ctx context.Context, sessionID string) (bool, error) {
	delivered, err := c.enforcer.ReportDelivered(ctx, sessionID)
	if err != nil || !delivered {
		return !delivered, err
	}
	if c.cfg.SkipArchive {
		return false, nil
	}
	live, err := c.store.ListTasks(ctx, TaskFilter{SessionID: sessionID, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

func (c *Coordinator) consumeSignals(ctx context.Context, sessionID string) error {
	if r, ok := c.inbox.(interface {
		Recover(ctx context.Context, sessionID string) (int, error)
	}); ok {
		if n, err := r.Recover(ctx, sessionID); err != nil {
			c.opts.log.Error("recover signals", "session_id", sessionID, "error", err)
		} else if n > 0 {
			c.opts.log.Info("signals recovered", "session_id", sessionID, "count", n)
		}
	}
	poll := c.cfg.SignalPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		sig, err := c.inbox.Next(ctx, sessionID, poll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.opts.log.Error("receive signal", "session_id", sessionID, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
			continue
		}
		if sig == nil {
			continue
		}
		if err := c.HandleSignal(ctx, sessionID, *sig); err != nil {
			if errors.Is(err, ErrStorageUnavailable) {
				c.opts.log.Error("signal not applied", "session_id", sessionID, "signal_id", sig.ID, "error", err)
				continue
			}
			c.opts.log.Warn("signal rejected", "session_id", sessionID, "signal_id", sig.ID, "kind", sig.Kind, "error", err)
		}
		if err := c.inbox.Ack(ctx, sessionID, sig); err != nil {
			c.opts.log.Error("ack signal", "session_id", sessionID, "signal_id", sig.ID, "error", err)
		}
	}
}

// HandleSignal applies an external add, modify, cancel or escalate request
// to a running session.
func (c *Coordinator) HandleSignal(ctx context.Context, sessionID string, sig Signal) error {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != SessionRunning {
		return fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	if sig.Kind == SignalAdd {
		if sig.Task == nil {
			return errors.New("dailyx: add signal needs a task")
		}
		if !sess.Open(c.opts.clock()) {
			return fmt.Errorf("%w: %s", ErrDeadlinePassed, sessionID)
		}
		nt := *sig.Task
		if nt.ID == "" && sig.ID != "" {
			nt.ID = signalTaskID(sessionID, sig.ID)
		}
		t, _, err := c.life.CreateTask(ctx, sess.UserID, sessionID, nt)
		if err != nil {
			return err
		}
		if t.Status == StatusGenerated {
			if _, err := c.life.Admit(ctx, t.ID); err != nil {
				return err
			}
		}
		c.scheduler.Kick()
		return nil
	}

	t, err := c.store.GetTask(ctx, sig.TaskID)
	if err != nil {
		return err
	}
	if t.SessionID != sessionID {
		return fmt.Errorf("%w: task %s in session %s", ErrNotFound, sig.TaskID, sessionID)
	}
	switch sig.Kind {
	case SignalModify:
		return c.life.Edit(ctx, t.ID, sig.Description)
	case SignalCancel:
		_, err := c.life.Cancel(ctx, t.ID)
		return err
	case SignalEscalate:
		_, err := c.recovery.EscalateByHuman(ctx, t.ID, sig.Note)
		return err
	default:
		return fmt.Errorf("dailyx: unknown signal kind %q", sig.Kind)
	}
}

// Snapshot is the externally visible state of a session.
type Snapshot struct {
	Session Session       `json:"session"`
	Tasks   []Task        `json:"tasks"`
	Shared  []SharedEntry `json:"shared"`
	Report  Report        `json:"report"`
}

// Snapshot returns the current state of a session with an interim report,
// or the stored final report once the session is closed.
func (c *Coordinator) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.store.ListTasks(ctx, TaskFilter{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	shared, err := c.store.ListShared(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Session: *sess, Tasks: tasks, Shared: shared}
	if sess.Status != SessionRunning {
		if rep, err := c.enforcer.storedReport(ctx, sessionID); err == nil {
			snap.Report = *rep
			return snap, nil
		}
	}
	rep, err := SessionReport(ctx, c.store, *sess, c.opts.clock())
	if err != nil {
		return nil, err
	}
	snap.Report = rep
	return snap, nil
}
