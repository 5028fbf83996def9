package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	baseconfig "github.com/iamBhanuRathore/off-chain-orderbook/libs/config"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/health"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/httpmiddleware"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/kafka"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/logging"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/metrics"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/redisq"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/trace"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/config"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/consumer"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/engine"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/handlers"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/service"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

type ledgerStore interface {
	service.Store
	handlers.Reader
	ListMarkets(ctx context.Context) ([]ledger.Market, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

func main() {
	if err := baseconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "dotenv error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLoggerWithFile(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env, logging.FileOptions{
		Path:       cfg.App.LogFile.Path,
		MaxSizeMB:  cfg.App.LogFile.MaxSizeMB,
		MaxBackups: cfg.App.LogFile.MaxBackups,
		MaxAgeDays: cfg.App.LogFile.MaxAgeDays,
		Compress:   cfg.App.LogFile.Compress,
	})
	defer logCloser.Close()

	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterBuildInfo(registry, cfg.App.ServiceName, cfg.App.Env)
	httpMetrics := metrics.NewHTTP(registry)
	ledgerMetrics := service.NewMetrics(registry)
	queueMetrics := redisq.NewMetrics(registry)

	ready := health.NewManager(false)

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	ready.AddCheck("store", store.Ping)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	ready.AddCheck("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	var publisher kafka.Publisher
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
			Version:  cfg.Kafka.Version,
		}, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
		if cfg.Kafka.Topics.DeadLetter != "" {
			publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		}
	} else {
		logger.Info("kafka disabled, ledger events are not published")
	}

	notifier := service.NewNotifier(publisher, service.Topics{
		TradesSettled:   cfg.Kafka.Topics.TradesSettled,
		BalancesUpdated: cfg.Kafka.Topics.BalancesUpdated,
		OrdersUpdated:   cfg.Kafka.Topics.OrdersUpdated,
		OrdersRejected:  cfg.Kafka.Topics.OrdersRejected,
		Alerts:          cfg.Kafka.Topics.Alerts,
	}, logger)

	emitter := engine.NewEmitter(rdb, cfg.Queues.EngineOrderPrefix, cfg.Queues.EngineCancelPref)
	ledgerService := service.NewLedgerService(store, emitter, notifier, logger, ledgerMetrics, service.Options{
		FeeAccountID:         cfg.Ledger.FeeAccountID,
		MarketBuySlippageBps: cfg.Ledger.MarketBuySlippageBps,
	})

	markets, err := resolveMarkets(cfg, store)
	if err != nil {
		logger.Error("resolve markets failed", "error", err)
		os.Exit(1)
	}

	supervisor, err := consumer.NewSupervisor(rdb, ledgerService, notifier, consumer.SupervisorConfig{
		Markets:        markets,
		EventsPrefix:   cfg.Queues.EventsPrefix,
		RequestsPrefix: cfg.Queues.RequestsPrefix,
		Worker: redisq.WorkerConfig{
			BlockTimeout: cfg.Queues.BlockTimeout,
			ErrorBackoff: cfg.Queues.ErrorBackoff,
			RetryBackoff: cfg.Queues.RetryBackoff,
			MaxAttempts:  cfg.Queues.MaxAttempts,
		},
		LeaseTTL:         cfg.Queues.LeaseTTL,
		ReclaimInterval:  cfg.Queues.ReclaimInterval,
		ResubmitInterval: cfg.Ledger.ResubmitInterval,
		ResubmitAfter:    cfg.Ledger.ResubmitAfter,
	}, logger, queueMetrics)
	if err != nil {
		logger.Error("consumer init failed", "error", err)
		os.Exit(1)
	}

	httpServer := buildHTTPServer(cfg, ready, registry, httpMetrics, handlers.New(store, supervisor, logger), logger)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()
	consumerDone := make(chan struct{})

	go func() {
		defer close(consumerDone)
		if err := supervisor.Run(consumerCtx); err != nil {
			logger.Error("ledger consumers stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("ledger http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	ready.SetReady(true)
	waitForShutdown(cfg.App.ShutdownTimeout, httpServer, ready, consumerCancel, consumerDone, logger)
}

func openStore(cfg *config.Config, logger *slog.Logger) (ledgerStore, error) {
	switch cfg.DB.Driver {
	case config.DriverSQLite:
		logger.Info("using sqlite store", "path", cfg.DB.SQLitePath)
		store, err := storage.OpenSQLite(cfg.DB.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		pool, err := connectDB(cfg)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgres(pool, logger), nil
	}
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.PostgresDSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// resolveMarkets returns the configured markets, or every enabled market in
// the store when none are configured.
func resolveMarkets(cfg *config.Config, store ledgerStore) ([]string, error) {
	if len(cfg.Ledger.Markets) > 0 {
		return cfg.Ledger.Markets, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	all, err := store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	var markets []string
	for _, m := range all {
		if m.Enabled {
			markets = append(markets, m.Symbol)
		}
	}
	if len(markets) == 0 {
		return nil, errors.New("no enabled markets")
	}
	return markets, nil
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, httpMetrics *metrics.HTTP, api *handlers.Handler, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	api.Register(router)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(timeout time.Duration, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, consumerDone <-chan struct{}, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	select {
	case <-consumerDone:
	case <-ctx.Done():
		logger.Warn("consumers did not stop before shutdown timeout")
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
