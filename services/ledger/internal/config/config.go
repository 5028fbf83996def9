package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	base "github.com/iamBhanuRathore/off-chain-orderbook/libs/config"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DBConfig struct {
	Driver     string
	Host       string
	Port       int
	Name       string
	User       string
	Password   string
	SSLMode    string
	MaxConns   int
	SQLitePath string
}

func (c DBConfig) PostgresDSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
	if c.MaxConns > 0 {
		dsn += fmt.Sprintf("&pool_max_conns=%d", c.MaxConns)
	}
	return dsn
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig names the per-market Redis lists. Each prefix is joined with
// the market symbol, e.g. "engine:events:BTC_USD".
type QueueConfig struct {
	EventsPrefix      string
	RequestsPrefix    string
	EngineOrderPrefix string
	EngineCancelPref  string
	BlockTimeout      time.Duration
	LeaseTTL          time.Duration
	ReclaimInterval   time.Duration
	ErrorBackoff      time.Duration
	RetryBackoff      time.Duration
	MaxAttempts       int
}

type KafkaTopics struct {
	TradesSettled   string
	BalancesUpdated string
	OrdersUpdated   string
	OrdersRejected  string
	Alerts          string
	DeadLetter      string
}

type KafkaConfig struct {
	Enabled  bool
	Brokers  []string
	ClientID string
	Version  string
	Topics   KafkaTopics
}

type LedgerConfig struct {
	// Markets restricts ingestion to these symbols; empty means every
	// enabled market in the store.
	Markets              []string
	MarketBuySlippageBps int64
	FeeAccountID         uuid.UUID
	ResubmitInterval     time.Duration
	ResubmitAfter        time.Duration
}

type Config struct {
	App    base.AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Queues QueueConfig
	Kafka  KafkaConfig
	Ledger LedgerConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(base.ConfigPath())
	if err != nil {
		return nil, err
	}

	v, err := base.NewViper(base.ConfigPath())
	if err != nil {
		return nil, err
	}

	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.sqlite_path", "ledger.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("queues.events_prefix", "engine:events:")
	v.SetDefault("queues.requests_prefix", "orders:requests:")
	v.SetDefault("queues.engine_order_prefix", "orderbook:orders:")
	v.SetDefault("queues.engine_cancel_prefix", "orderbook:cancel:")
	v.SetDefault("queues.block_timeout", "2s")
	v.SetDefault("queues.lease_ttl", "5m")
	v.SetDefault("queues.reclaim_interval", "30s")
	v.SetDefault("queues.error_backoff", "1s")
	v.SetDefault("queues.retry_backoff", "200ms")
	v.SetDefault("queues.max_attempts", 5)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "ledger-service")
	v.SetDefault("kafka.topics.trades_settled", "trades.settled")
	v.SetDefault("kafka.topics.balances_updated", "balances.updated")
	v.SetDefault("kafka.topics.orders_updated", "orders.updated")
	v.SetDefault("kafka.topics.orders_rejected", "orders.rejected")
	v.SetDefault("kafka.topics.alerts", "ledger.alerts")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("ledger.market_buy_slippage_bps", 500)
	v.SetDefault("ledger.fee_account_id", "00000000-0000-0000-0000-00000000fee0")
	v.SetDefault("ledger.resubmit_interval", "15s")
	v.SetDefault("ledger.resubmit_after", "30s")

	feeAccount, err := uuid.Parse(envString("LEDGER_FEE_ACCOUNT_ID", v.GetString("ledger.fee_account_id")))
	if err != nil {
		return nil, fmt.Errorf("invalid fee account id: %w", err)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Driver:     strings.ToLower(envString("LEDGER_DB_DRIVER", v.GetString("db.driver"))),
			Host:       envString("POSTGRES_HOST", "localhost"),
			Port:       envInt("POSTGRES_PORT", 5432),
			Name:       envString("POSTGRES_DB", "cex_core"),
			User:       envString("POSTGRES_USER", "cex"),
			Password:   envString("POSTGRES_PASSWORD", "cex"),
			SSLMode:    envString("POSTGRES_SSLMODE", "disable"),
			MaxConns:   envInt("POSTGRES_MAX_CONNS", 0),
			SQLitePath: envString("LEDGER_SQLITE_PATH", v.GetString("db.sqlite_path")),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		Queues: QueueConfig{
			EventsPrefix:      v.GetString("queues.events_prefix"),
			RequestsPrefix:    v.GetString("queues.requests_prefix"),
			EngineOrderPrefix: v.GetString("queues.engine_order_prefix"),
			EngineCancelPref:  v.GetString("queues.engine_cancel_prefix"),
			BlockTimeout:      envDuration("QUEUE_BLOCK_TIMEOUT", v.GetDuration("queues.block_timeout")),
			LeaseTTL:          envDuration("QUEUE_LEASE_TTL", v.GetDuration("queues.lease_ttl")),
			ReclaimInterval:   envDuration("QUEUE_RECLAIM_INTERVAL", v.GetDuration("queues.reclaim_interval")),
			ErrorBackoff:      envDuration("QUEUE_ERROR_BACKOFF", v.GetDuration("queues.error_backoff")),
			RetryBackoff:      envDuration("QUEUE_RETRY_BACKOFF", v.GetDuration("queues.retry_backoff")),
			MaxAttempts:       envInt("QUEUE_MAX_ATTEMPTS", v.GetInt("queues.max_attempts")),
		},
		Kafka: KafkaConfig{
			Enabled:  envBool("KAFKA_ENABLED", v.GetBool("kafka.enabled")),
			Brokers:  envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ClientID: v.GetString("kafka.client_id"),
			Version:  envString("KAFKA_VERSION", v.GetString("kafka.version")),
			Topics: KafkaTopics{
				TradesSettled:   v.GetString("kafka.topics.trades_settled"),
				BalancesUpdated: v.GetString("kafka.topics.balances_updated"),
				OrdersUpdated:   v.GetString("kafka.topics.orders_updated"),
				OrdersRejected:  v.GetString("kafka.topics.orders_rejected"),
				Alerts:          v.GetString("kafka.topics.alerts"),
				DeadLetter:      v.GetString("kafka.topics.dead_letter"),
			},
		},
		Ledger: LedgerConfig{
			Markets:              envCSV("LEDGER_MARKETS", v.GetStringSlice("ledger.markets")),
			MarketBuySlippageBps: int64(envInt("LEDGER_MARKET_BUY_SLIPPAGE_BPS", v.GetInt("ledger.market_buy_slippage_bps"))),
			FeeAccountID:         feeAccount,
			ResubmitInterval:     envDuration("LEDGER_RESUBMIT_INTERVAL", v.GetDuration("ledger.resubmit_interval")),
			ResubmitAfter:        envDuration("LEDGER_RESUBMIT_AFTER", v.GetDuration("ledger.resubmit_after")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.Port <= 0 {
			return fmt.Errorf("POSTGRES_PORT must be positive")
		}
	case DriverSQLite:
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("sqlite path required")
		}
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr required")
	}
	if c.Queues.EventsPrefix == "" || c.Queues.RequestsPrefix == "" {
		return fmt.Errorf("queue prefixes required")
	}
	if c.Queues.EngineOrderPrefix == "" || c.Queues.EngineCancelPref == "" {
		return fmt.Errorf("engine command prefixes required")
	}
	if c.Queues.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be positive")
	}
	if c.Queues.BlockTimeout < time.Second {
		return fmt.Errorf("queue block timeout must be at least 1s")
	}
	if c.Ledger.MarketBuySlippageBps < 0 {
		return fmt.Errorf("market buy slippage must not be negative")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.Topics.TradesSettled == "" || c.Kafka.Topics.BalancesUpdated == "" || c.Kafka.Topics.OrdersUpdated == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
