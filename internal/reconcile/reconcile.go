package reconcile

import (
	"context"
	"log/slog"
	"time"
)

type Store interface {
	ReconcileHeldCounters(ctx context.Context) (int, error)
}

// Sweeper periodically cross-checks category held-counters against the
// surviving per-buyer lock entries. A crash between claim and release can
// leave a counter above the real sum; the sweep rewrites it so capacity is
// not withheld until every stale TTL lapses.
type Sweeper struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration
}

func New(store Store, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Sweeper{
		store:    store,
		logger:   logger,
		interval: interval,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fixed, err := s.store.ReconcileHeldCounters(ctx)
			if err != nil {
				s.logger.Error("held-counter reconcile failed", "error", err)
				continue
			}
			if fixed > 0 {
				s.logger.Warn("held-counter drift corrected", "counters", fixed)
			}
		}
	}
}
