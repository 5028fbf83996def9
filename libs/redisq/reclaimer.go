package redisq

import (
	"context"
	"log/slog"
	"time"
)

// Reclaimer periodically returns stranded processing messages to their
// incoming lists.
type Reclaimer struct {
	queues   []*Queue
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

func NewReclaimer(queues []*Queue, interval time.Duration, logger *slog.Logger, metrics *Metrics) *Reclaimer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{queues: queues, interval: interval, logger: logger, metrics: metrics}
}

func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reclaimer) sweep(ctx context.Context) {
	for _, q := range r.queues {
		moved, err := q.Reclaim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("queue reclaim failed", "queue", q.Name(), "error", err)
			}
			continue
		}
		if moved > 0 {
			r.logger.Warn("reclaimed expired messages", "queue", q.Name(), "count", moved)
			r.metrics.addReclaimed(q.Name(), moved)
		}
	}
}
