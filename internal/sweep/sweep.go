// Package sweep holds the periodic reconciliation workers: the overdue
// no-show sweep and the queue-stats refresh. Both run on plain tickers and
// stop cooperatively when their context is cancelled.
package sweep

import (
	"context"
	"time"

	"github.com/salonflow/queue-service/internal/observability"
)

// OverdueProcessor is implemented by booking.Lifecycle.
type OverdueProcessor interface {
	ProcessOverdueBookings(ctx context.Context) (int, error)
}

type StatsRefresher interface {
	RefreshQueueStats(ctx context.Context) error
}

// Sweeper drives the overdue no-show reconciliation on a fixed interval. A
// failed pass is logged and the ticker keeps going.
type Sweeper struct {
	processor OverdueProcessor
	logger    observability.Logger
}

func NewSweeper(processor OverdueProcessor, logger observability.Logger) *Sweeper {
	return &Sweeper{processor: processor, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, err := s.processor.ProcessOverdueBookings(ctx)
			if err != nil {
				s.logger.Error("overdue sweep failed", err)
				continue
			}
			if processed > 0 {
				s.logger.WithField("processed", processed).Info("overdue sweep completed")
			}
		}
	}
}

// StatsWorker refreshes the cached queue statistics on a shorter period than
// the sweep.
type StatsWorker struct {
	refresher StatsRefresher
	logger    observability.Logger
}

func NewStatsWorker(refresher StatsRefresher, logger observability.Logger) *StatsWorker {
	return &StatsWorker{refresher: refresher, logger: logger}
}

func (w *StatsWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.refresher.RefreshQueueStats(ctx); err != nil {
				w.logger.Error("stats refresh failed", err)
			}
		}
	}
}
