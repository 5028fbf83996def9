package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

type seedStore interface {
	Migrate(ctx context.Context) error
	UpsertAsset(ctx context.Context, asset ledger.Asset) error
	UpsertMarket(ctx context.Context, m ledger.Market) error
	WithTx(ctx context.Context, fn func(storage.Tx) error) error
	Close()
}

var assets = []ledger.Asset{
	{Symbol: "BTC", Decimals: 8},
	{Symbol: "ETH", Decimals: 8},
	{Symbol: "USD", Decimals: 6},
	{Symbol: "USDT", Decimals: 6},
}

func main() {
	env := getEnv("CEX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	fmt.Println("Seeding ledger...")

	decimals := make(map[string]int32, len(assets))
	for _, asset := range assets {
		if err := store.UpsertAsset(ctx, asset); err != nil {
			log.Fatalf("seed asset %s: %v", asset.Symbol, err)
		}
		decimals[asset.Symbol] = asset.Decimals
	}
	fmt.Println("✓ Assets seeded")

	for _, m := range markets() {
		if err := store.UpsertMarket(ctx, m); err != nil {
			log.Fatalf("seed market %s: %v", m.Symbol, err)
		}
	}
	fmt.Println("✓ Markets seeded")

	if err := seedBalances(ctx, store, decimals, demoUserID, map[string]string{
		"BTC":  "10",
		"ETH":  "100",
		"USD":  "100000",
		"USDT": "50000",
	}); err != nil {
		log.Fatalf("seed demo balances: %v", err)
	}
	if err := seedBalances(ctx, store, decimals, traderUserID, map[string]string{
		"BTC":  "5",
		"ETH":  "50",
		"USD":  "50000",
		"USDT": "25000",
	}); err != nil {
		log.Fatalf("seed trader balances: %v", err)
	}
	fmt.Println("✓ Balances seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, store, decimals); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("  demo user:   %s\n", demoUserID)
	fmt.Printf("  trader user: %s\n", traderUserID)
}

func openStore(ctx context.Context) (seedStore, error) {
	if getEnv("LEDGER_DB_DRIVER", "postgres") == "sqlite" {
		return storage.OpenSQLite(getEnv("LEDGER_SQLITE_PATH", "ledger.db"), nil)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "cex"),
		getEnv("POSTGRES_PASSWORD", "cex"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "ledger"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return storage.NewPostgres(pool, nil), nil
}

func markets() []ledger.Market {
	base := ledger.Market{
		MinPrice:    1,
		TickSize:    1,
		MinQuantity: 1,
		StepSize:    1,
		MakerFeeBps: 8,
		TakerFeeBps: 15,
		Enabled:     true,
	}
	var out []ledger.Market
	for _, pair := range [][2]string{{"BTC", "USD"}, {"ETH", "USD"}, {"BTC", "USDT"}, {"ETH", "USDT"}} {
		m := base
		m.Symbol = pair[0] + "_" + pair[1]
		m.BaseAsset = pair[0]
		m.QuoteAsset = pair[1]
		// MaxPrice also caps the reservation of market buys.
		m.MaxPrice = 1_000_000_000_000
		out = append(out, m)
	}
	return out
}

// seedBalances sets the available balance of each asset to the given
// display amount. Locked funds are left alone.
func seedBalances(ctx context.Context, store seedStore, decimals map[string]int32, userID uuid.UUID, amounts map[string]string) error {
	keys := make([]ledger.BalanceKey, 0, len(amounts))
	units := make(map[string]int64, len(amounts))
	for asset, display := range amounts {
		d, ok := decimals[asset]
		if !ok {
			return fmt.Errorf("unknown asset %s", asset)
		}
		v, err := ledger.ToUnits(display, d)
		if err != nil {
			return fmt.Errorf("%s: %w", asset, err)
		}
		units[asset] = v
		keys = append(keys, ledger.BalanceKey{UserID: userID, Asset: asset})
	}

	return store.WithTx(ctx, func(tx storage.Tx) error {
		balances, err := tx.LockBalances(ctx, keys)
		if err != nil {
			return err
		}
		out := make([]*ledger.Balance, 0, len(balances))
		for _, key := range keys {
			b := balances[key]
			b.Available = units[key.Asset]
			out = append(out, b)
		}
		return tx.SaveBalances(ctx, out...)
	})
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
