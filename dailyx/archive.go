package dailyx

import (
	"context"
	"time"
)

// Archiver is the only component that writes historical records and deletes
// live tasks.
type Archiver struct {
	store     Store
	retention time.Duration
	opts      options
}

func NewArchiver(store Store, retention time.Duration, opts ...Option) *Archiver {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Archiver{store: store, retention: retention, opts: buildOptions(opts)}
}

// ArchiveSession moves the tasks of a closed session into history. Re-running
// it after an interruption archives whatever is left.
func (a *Archiver) ArchiveSession(ctx context.Context, sessionID string) (int, error) {
	n, err := a.store.ArchiveSession(ctx, sessionID, a.opts.clock())
	if err != nil {
		return 0, err
	}
	a.opts.metrics.archive(n, 0)
	a.opts.log.Info("session archived", "session_id", sessionID, "archived", n)
	return n, nil
}

// Prune deletes historical records older than the retention window.
func (a *Archiver) Prune(ctx context.Context) (int, error) {
	cutoff := a.opts.clock().Add(-a.retention)
	n, err := a.store.PruneHistory(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	a.opts.metrics.archive(0, n)
	if n > 0 {
		a.opts.log.Info("history pruned", "before", cutoff, "pruned", n)
	}
	return n, nil
}
