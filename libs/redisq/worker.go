package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) error
}

type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

type WorkerConfig struct {
	// BlockTimeout bounds a single blocking reserve so shutdown is noticed;
	// the worker keeps waiting across timeouts.
	BlockTimeout time.Duration
	// ErrorBackoff is slept after a dead-letter or a Redis failure.
	ErrorBackoff time.Duration
	// RetryBackoff is multiplied by the attempt number between transient
	// retries.
	RetryBackoff time.Duration
	MaxAttempts  int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Worker drains one queue strictly in order, one message at a time.
type Worker struct {
	queue   *Queue
	handler Handler
	cfg     WorkerConfig
	logger  *slog.Logger
	metrics *Metrics
}

func NewWorker(queue *Queue, handler Handler, cfg WorkerConfig, logger *slog.Logger, metrics *Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   queue,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("queue", queue.Name()),
		metrics: metrics,
	}
}

// Run consumes until ctx is cancelled. A message already reserved is handled
// to completion on a context that ignores the cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w.handler == nil {
		return fmt.Errorf("message handler required")
	}
	w.logger.Info("queue worker started")
	defer w.logger.Info("queue worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := w.queue.Reserve(ctx, w.cfg.BlockTimeout)
		if err != nil {
			if errors.Is(err, ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("queue reserve failed", "error", err)
			sleep(ctx, w.cfg.ErrorBackoff)
			continue
		}
		w.process(ctx, msg)
	}
}

// ProcessOne reserves and handles at most one message without blocking. It
// reports whether a message was found.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.queue.Reserve(ctx, 0)
	if err != nil {
		if errors.Is(err, ErrEmpty) {
			return false, nil
		}
		return false, err
	}
	w.process(ctx, msg)
	return true, nil
}

func (w *Worker) process(parent context.Context, msg *Message) {
	ctx := context.WithoutCancel(parent)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := w.handler.HandleMessage(ctx, msg)
		if err == nil {
			if ackErr := w.queue.Ack(ctx, msg); ackErr != nil {
				w.logger.Error("queue ack failed", "error", ackErr)
			}
			w.metrics.observe(w.queue.Name(), "success", time.Since(start))
			return
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			w.deadLetter(ctx, msg, err, perm.Reason, attempt, start)
			sleep(parent, w.cfg.ErrorBackoff)
			return
		}
		if attempt >= w.cfg.MaxAttempts {
			w.deadLetter(ctx, msg, err, "retries_exhausted", attempt, start)
			sleep(parent, w.cfg.ErrorBackoff)
			return
		}

		w.metrics.incRetry(w.queue.Name())
		w.logger.Warn("queue message failed, retrying", "attempt", attempt, "error", err)
		if !sleep(parent, time.Duration(attempt)*w.cfg.RetryBackoff) {
			// Shutting down: the message stays in processing and is
			// reclaimed once its lease expires.
			w.logger.Warn("shutdown during retry, leaving message in processing")
			w.metrics.observe(w.queue.Name(), "abandoned", time.Since(start))
			return
		}
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg *Message, cause error, reason string, attempts int, start time.Time) {
	if reason == "" {
		reason = "permanent"
	}
	w.logger.Error("queue message dead-lettered", "reason", reason, "attempts", attempts, "error", cause)
	if err := w.queue.DeadLetter(ctx, msg, cause, reason, attempts); err != nil {
		w.logger.Error("queue dead-letter failed", "error", err)
	}
	w.metrics.incDeadLetter(w.queue.Name(), reason)
	w.metrics.observe(w.queue.Name(), "dead_letter", time.Since(start))
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
