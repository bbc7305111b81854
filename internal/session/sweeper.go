package session

import (
	"context"
	"log/slog"
	"time"

	"crossquery.app/conductor/common/logger"
)

// Sweeper deletes expired sessions in bounded batches on a fixed
// interval. Batching keeps a pile-up of expired sessions from turning
// one sweep into a long-running delete.
type Sweeper struct {
	store     Store
	interval  time.Duration
	batchSize int
}

func NewSweeper(store Store, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Sweeper{store: store, interval: interval, batchSize: batchSize}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.session.sweeper",
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	total := 0
	for {
		n, err := s.store.DeleteExpired(ctx, s.batchSize)
		if err != nil {
			slog.ErrorContext(ctx, "session sweep failed", "error", err, "deleted", total)
			return
		}
		total += n
		if n < s.batchSize {
			break
		}
	}
	if total > 0 {
		slog.InfoContext(ctx, "expired sessions swept", "deleted", total)
	}
}
