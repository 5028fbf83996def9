package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/testutil"
)

func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	store := NewPostgres(pool, nil)
	t.Cleanup(store.Close)

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if err := testutil.CleanupTestData(context.Background(), pool); err != nil {
			t.Logf("cleanup: %v", err)
		}
	})
	if err := store.UpsertAsset(ctx, ledger.Asset{Symbol: "BTC", Decimals: 8}); err != nil {
		t.Fatalf("upsert asset: %v", err)
	}
	if err := store.UpsertAsset(ctx, ledger.Asset{Symbol: "USD", Decimals: 6}); err != nil {
		t.Fatalf("upsert asset: %v", err)
	}
	if err := store.UpsertMarket(ctx, ledger.Market{Symbol: "BTC_USD", BaseAsset: "BTC", QuoteAsset: "USD", TickSize: 1, StepSize: 1, Enabled: true}); err != nil {
		t.Fatalf("upsert market: %v", err)
	}
	return store
}

func fundPostgres(t *testing.T, store *Postgres, userID uuid.UUID, asset string, amount int64) {
	t.Helper()
	ctx := context.Background()
	err := store.WithTx(ctx, func(tx Tx) error {
		key := ledger.BalanceKey{UserID: userID, Asset: asset}
		balances, err := tx.LockBalances(ctx, []ledger.BalanceKey{key})
		if err != nil {
			return err
		}
		if err := balances[key].Credit(amount); err != nil {
			return err
		}
		return tx.SaveBalances(ctx, balances[key])
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func TestPostgresConcurrentLocksNeverOverdraw(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()
	fundPostgres(t, store, userID, "USD", 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithTx(ctx, func(tx Tx) error {
				key := ledger.BalanceKey{UserID: userID, Asset: "USD"}
				balances, err := tx.LockBalances(ctx, []ledger.BalanceKey{key})
				if err != nil {
					return err
				}
				if err := balances[key].Lock(300); err != nil {
					return err
				}
				return tx.SaveBalances(ctx, balances[key])
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ledger.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("expected 3 successful locks, got %d", succeeded)
	}
	b, err := store.GetBalance(ctx, userID, "USD")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.Available != 100 || b.Locked != 900 {
		t.Fatalf("unexpected balance: %+v", b)
	}
}

func TestPostgresTradeUniqueness(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	buyer, seller := uuid.New(), uuid.New()
	price := int64(100)
	now := time.Now().UTC()
	buy, _ := ledger.NewOrder(buyer, "BTC_USD", ledger.SideBuy, ledger.OrderTypeLimit, &price, nil, price, 5, "", now)
	sell, _ := ledger.NewOrder(seller, "BTC_USD", ledger.SideSell, ledger.OrderTypeLimit, &price, nil, price, 5, "", now)
	trade := &ledger.Trade{
		ID: "pg-" + uuid.NewString(), Market: "BTC_USD", Price: 100, Quantity: 1, TakerSide: ledger.SideSell,
		BuyOrderID: buy.ID, SellOrderID: sell.ID, BuyerID: buyer, SellerID: seller, FeeAsset: "USD",
		ExecutedAt: now, CreatedAt: now,
	}

	if err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, buy); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, sell); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, trade)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := store.WithTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, trade) })
	if !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("expected ErrDuplicateTrade, got %v", err)
	}

	got, err := store.GetOrder(ctx, buy.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Price == nil || *got.Price != 100 || got.Status != ledger.StatusOpen {
		t.Fatalf("unexpected order: %+v", got)
	}
}
