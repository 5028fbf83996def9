// Package storagetest provides an in-memory SQLite store with reference
// data for tests.
package storagetest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage"
)

func BTCUSD() ledger.Market {
	return ledger.Market{
		Symbol:      "BTC_USD",
		BaseAsset:   "BTC",
		QuoteAsset:  "USD",
		MinPrice:    1,
		MaxPrice:    1_000_000,
		TickSize:    1,
		MinQuantity: 1,
		StepSize:    1,
		Enabled:     true,
	}
}

func ETHUSD() ledger.Market {
	m := BTCUSD()
	m.Symbol = "ETH_USD"
	m.BaseAsset = "ETH"
	return m
}

// NewSQLite opens a migrated in-memory store seeded with the BTC_USD and
// ETH_USD markets. It is closed when the test ends.
func NewSQLite(t testing.TB) *storage.SQLite {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, asset := range []ledger.Asset{{Symbol: "BTC", Decimals: 8}, {Symbol: "ETH", Decimals: 8}, {Symbol: "USD", Decimals: 6}} {
		if err := store.UpsertAsset(ctx, asset); err != nil {
			t.Fatalf("upsert asset %s: %v", asset.Symbol, err)
		}
	}
	for _, m := range []ledger.Market{BTCUSD(), ETHUSD()} {
		if err := store.UpsertMarket(ctx, m); err != nil {
			t.Fatalf("upsert market %s: %v", m.Symbol, err)
		}
	}
	return store
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(storage.Tx) error) error
}

// Fund credits amount to the user's available balance.
func Fund(t testing.TB, store txRunner, userID uuid.UUID, asset string, amount int64) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		key := ledger.BalanceKey{UserID: userID, Asset: asset}
		balances, err := tx.LockBalances(context.Background(), []ledger.BalanceKey{key})
		if err != nil {
			return err
		}
		b := balances[key]
		if err := b.Credit(amount); err != nil {
			return err
		}
		return tx.SaveBalances(context.Background(), b)
	})
	if err != nil {
		t.Fatalf("fund %s %s: %v", userID, asset, err)
	}
}

type balanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID, asset string) (ledger.Balance, error)
}

// AssertBalance fails the test unless the balance matches.
func AssertBalance(t testing.TB, store balanceReader, userID uuid.UUID, asset string, available, locked int64) {
	t.Helper()
	b, err := store.GetBalance(context.Background(), userID, asset)
	if err != nil {
		t.Fatalf("get balance %s: %v", asset, err)
	}
	if b.Available != available || b.Locked != locked {
		t.Fatalf("balance %s: expected available=%d locked=%d, got available=%d locked=%d",
			asset, available, locked, b.Available, b.Locked)
	}
}
