package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage"
)

const tracerName = "ledger"

type Store interface {
	WithTx(ctx context.Context, fn func(storage.Tx) error) error
	ListUnsubmitted(ctx context.Context, before time.Time, limit int) ([]ledger.Order, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error
	ListUnsentCancels(ctx context.Context, before time.Time, limit int) ([]ledger.Order, error)
	MarkCancelSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Emitter forwards commands to the matching engine.
type Emitter interface {
	NewOrder(ctx context.Context, order *ledger.Order) error
	CancelOrder(ctx context.Context, order *ledger.Order) error
}

type Options struct {
	// FeeAccountID receives trading fees in the quote asset.
	FeeAccountID uuid.UUID
	// MarketBuySlippageBps widens the last trade price when sizing the quote
	// reservation of market buys.
	MarketBuySlippageBps int64
	Now                  func() time.Time
}

type LedgerService struct {
	store    Store
	emitter  Emitter
	notifier *Notifier
	logger   *slog.Logger
	metrics  *Metrics
	opts     Options
}

func NewLedgerService(store Store, emitter Emitter, notifier *Notifier, logger *slog.Logger, metrics *Metrics, opts Options) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &LedgerService{
		store:    store,
		emitter:  emitter,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
	}
}

func (s *LedgerService) now() time.Time {
	return s.opts.Now()
}

// releaseReservation unlocks whatever the order still holds for qty
// outstanding units. The order must already be locked by tx.
func releaseReservation(ctx context.Context, tx storage.Tx, market ledger.Market, order *ledger.Order, qty int64) (*ledger.Balance, error) {
	asset, amount, err := order.Reservation(market, qty)
	if err != nil {
		return nil, err
	}
	key := ledger.BalanceKey{UserID: order.UserID, Asset: asset}
	balances, err := tx.LockBalances(ctx, []ledger.BalanceKey{key})
	if err != nil {
		return nil, err
	}
	balance := balances[key]
	if amount == 0 {
		return balance, nil
	}
	if err := balance.Unlock(amount); err != nil {
		return nil, err
	}
	if err := tx.SaveBalances(ctx, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func balanceValues(balances []*ledger.Balance) []ledger.Balance {
	out := make([]ledger.Balance, 0, len(balances))
	for _, b := range balances {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out
}
