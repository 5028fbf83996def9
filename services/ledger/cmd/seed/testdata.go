package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
)

var quoteOnlyUserID = uuid.MustParse("00000000-0000-0000-0000-000000000003")

// seedTestData adds a halted market and a user holding only quote funds,
// for exercising rejection paths.
func seedTestData(ctx context.Context, store seedStore, decimals map[string]int32) error {
	if err := store.UpsertAsset(ctx, ledger.Asset{Symbol: "DOGE", Decimals: 8}); err != nil {
		return err
	}
	halted := ledger.Market{
		Symbol:      "DOGE_USD",
		BaseAsset:   "DOGE",
		QuoteAsset:  "USD",
		MinPrice:    1,
		MaxPrice:    1_000_000,
		TickSize:    1,
		MinQuantity: 1,
		StepSize:    1,
		Enabled:     false,
	}
	if err := store.UpsertMarket(ctx, halted); err != nil {
		return err
	}
	return seedBalances(ctx, store, decimals, quoteOnlyUserID, map[string]string{"USD": "100"})
}
