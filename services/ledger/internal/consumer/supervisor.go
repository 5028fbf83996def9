package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/iamBhanuRathore/off-chain-orderbook/libs/redisq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type SupervisorConfig struct {
	Markets          []string
	EventsPrefix     string
	RequestsPrefix   string
	Worker           redisq.WorkerConfig
	LeaseTTL         time.Duration
	ReclaimInterval  time.Duration
	ResubmitInterval time.Duration
	ResubmitAfter    time.Duration
	ResubmitBatch    int
}

type marketQueues struct {
	events   *redisq.Queue
	requests *redisq.Queue
}

// Supervisor runs, per market, one worker for the engine events queue and
// one for the order request queue, plus a shared lease reclaimer and the
// resubmission sweep. Markets are independent of each other.
type Supervisor struct {
	cfg      SupervisorConfig
	ledger   Ledger
	rejecter Rejecter
	logger   *slog.Logger
	metrics  *redisq.Metrics
	markets  map[string]marketQueues
}

func NewSupervisor(client redis.UniversalClient, ledger Ledger, rejecter Rejecter, cfg SupervisorConfig, logger *slog.Logger, metrics *redisq.Metrics) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Markets) == 0 {
		return nil, fmt.Errorf("at least one market required")
	}
	if cfg.ResubmitBatch <= 0 {
		cfg.ResubmitBatch = 100
	}
	s := &Supervisor{
		cfg:      cfg,
		ledger:   ledger,
		rejecter: rejecter,
		logger:   logger,
		metrics:  metrics,
		markets:  make(map[string]marketQueues, len(cfg.Markets)),
	}
	for _, market := range cfg.Markets {
		s.markets[market] = marketQueues{
			events:   redisq.New(client, cfg.EventsPrefix+market, redisq.WithLeaseTTL(cfg.LeaseTTL)),
			requests: redisq.New(client, cfg.RequestsPrefix+market, redisq.WithLeaseTTL(cfg.LeaseTTL)),
		}
	}
	return s, nil
}

func (s *Supervisor) Markets() []string {
	out := make([]string, 0, len(s.markets))
	for m := range s.markets {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Queues returns the events and request queues of market.
func (s *Supervisor) Queues(market string) ([]*redisq.Queue, bool) {
	q, ok := s.markets[market]
	if !ok {
		return nil, false
	}
	return []*redisq.Queue{q.events, q.requests}, true
}

func (s *Supervisor) allQueues() []*redisq.Queue {
	var out []*redisq.Queue
	for _, m := range s.Markets() {
		q := s.markets[m]
		out = append(out, q.events, q.requests)
	}
	return out
}

// Run blocks until ctx is cancelled or a loop fails.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, market := range s.Markets() {
		q := s.markets[market]
		events := redisq.NewWorker(q.events, NewEventHandler(market, s.ledger, s.logger), s.cfg.Worker, s.logger, s.metrics)
		requests := redisq.NewWorker(q.requests, NewRequestHandler(market, s.ledger, s.rejecter, s.logger), s.cfg.Worker, s.logger, s.metrics)
		g.Go(func() error { return events.Run(ctx) })
		g.Go(func() error { return requests.Run(ctx) })
	}

	reclaimer := redisq.NewReclaimer(s.allQueues(), s.cfg.ReclaimInterval, s.logger, s.metrics)
	g.Go(func() error { return reclaimer.Run(ctx) })

	if s.cfg.ResubmitInterval > 0 {
		g.Go(func() error { return s.resubmitLoop(ctx) })
	}

	s.logger.Info("ledger consumers started", "markets", s.Markets())
	return g.Wait()
}

func (s *Supervisor) resubmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ResubmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.ledger.ResubmitPending(ctx, s.cfg.ResubmitAfter, s.cfg.ResubmitBatch)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("resubmit pending commands failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("resubmitted pending commands", "count", n)
			}
		}
	}
}
