package dailyx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DailySessionID names the session of userID for the local date of t. A
// second trigger on the same day therefore resumes instead of duplicating.
func DailySessionID(userID string, t time.Time) string {
	return "daily-" + userID + "-" + t.Format("20060102")
}

// DailySessionIDIn is DailySessionID for the date of t in timezone.
func DailySessionIDIn(userID, timezone string, t time.Time) (string, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return "", fmt.Errorf("dailyx: timezone %q: %w", timezone, err)
	}
	return DailySessionID(userID, t.In(loc)), nil
}

// DailyTrigger starts the user's session every day at a fixed local time.
type DailyTrigger struct {
	cron   *cron.Cron
	coord  *Coordinator
	userID string
	loc    *time.Location
	ctx    context.Context
	cancel context.CancelFunc
	opts   options
}

// NewDailyTrigger schedules coord.Run for userID at at ("HH:MM") in
// timezone. Runs that overlap a still-running one are skipped.
func NewDailyTrigger(coord *Coordinator, userID, timezone, at string, opts ...Option) (*DailyTrigger, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("dailyx: timezone %q: %w", timezone, err)
	}
	hour, minute, err := ParseDailyAt(at)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	tr := &DailyTrigger{
		cron:   cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		coord:  coord,
		userID: userID,
		loc:    loc,
		ctx:    ctx,
		cancel: cancel,
		opts:   o,
	}
	if _, err := tr.cron.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), tr.Fire); err != nil {
		cancel()
		return nil, fmt.Errorf("dailyx: schedule daily session: %w", err)
	}
	return tr, nil
}

// Fire runs today's session now. It is what the schedule calls.
func (tr *DailyTrigger) Fire() {
	id := DailySessionID(tr.userID, tr.opts.now().In(tr.loc))
	tr.opts.log.Info("daily session triggered", "session_id", id, "user_id", tr.userID)
	rep, err := tr.coord.Run(tr.ctx, tr.userID, id)
	switch {
	case errors.Is(err, ErrSessionActive):
		tr.opts.log.Warn("daily session skipped", "session_id", id, "error", err)
	case err != nil:
		tr.opts.log.Error("daily session failed", "session_id", id, "error", err)
	case rep != nil:
		tr.opts.log.Info("daily session finished", "session_id", id, "completion_rate", rep.CompletionRate)
	}
}

// Next is the next scheduled start.
func (tr *DailyTrigger) Next() time.Time {
	entries := tr.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (tr *DailyTrigger) Start() { tr.cron.Start() }

// Stop cancels a running session loop and waits for the job to return.
func (tr *DailyTrigger) Stop() {
	tr.cancel()
	<-tr.cron.Stop().Done()
}
