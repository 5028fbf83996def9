package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/trace"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// TradeEvent is one execution reported by the matching engine.
type TradeEvent struct {
	ID           string
	Market       string
	Price        int64
	Quantity     int64
	MakerOrderID uuid.UUID
	TakerOrderID uuid.UUID
	ExecutedAt   time.Time
}

func (e TradeEvent) validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("%w: trade id is required", ledger.ErrMalformedEvent)
	case e.Quantity <= 0:
		return fmt.Errorf("%w: trade %s quantity %d", ledger.ErrMalformedEvent, e.ID, e.Quantity)
	case e.Price <= 0:
		return fmt.Errorf("%w: trade %s price %d", ledger.ErrMalformedEvent, e.ID, e.Price)
	case e.MakerOrderID == uuid.Nil || e.TakerOrderID == uuid.Nil:
		return fmt.Errorf("%w: trade %s missing order id", ledger.ErrMalformedEvent, e.ID)
	case e.MakerOrderID == e.TakerOrderID:
		return fmt.Errorf("%w: trade %s maker and taker are the same order", ledger.ErrMalformedEvent, e.ID)
	}
	return nil
}

type SettlementResult struct {
	Trade *ledger.Trade
	// AlreadyProcessed is set when the trade id was settled before; nothing
	// changed.
	AlreadyProcessed bool
	Orders           []*ledger.Order
	Balances         []ledger.Balance
}

var errTradeRecorded = errors.New("trade already recorded")

// ApplyTrade settles one trade atomically: both orders are filled, the
// seller's base and the buyer's quote reservations are consumed, proceeds
// and any price improvement refund are credited and the fee is moved to the
// fee account. Replaying a settled trade id is a no-op.
func (s *LedgerService) ApplyTrade(ctx context.Context, ev TradeEvent) (res SettlementResult, err error) {
	ctx, span := trace.Start(ctx, tracerName, "ledger.ApplyTrade",
		attribute.String("trade_id", ev.ID),
		attribute.String("market", ev.Market),
	)
	start := s.now()
	defer func() {
		trace.End(span, err)
		status := statusLabel(err)
		if err == nil && res.AlreadyProcessed {
			status = "duplicate"
		}
		s.metrics.IncSettlement(ev.Market, status)
		s.metrics.ObserveDuration("apply_trade", s.now().Sub(start))
	}()

	if err := ev.validate(); err != nil {
		return SettlementResult{}, err
	}

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		var txErr error
		res, txErr = s.settle(ctx, tx, ev)
		return txErr
	})
	if errors.Is(err, errTradeRecorded) {
		return SettlementResult{AlreadyProcessed: true}, nil
	}
	if err != nil {
		return SettlementResult{}, err
	}
	if res.AlreadyProcessed {
		s.logger.Info("trade already settled", "trade_id", ev.ID, "market", ev.Market)
		return res, nil
	}

	s.logger.Info("trade settled",
		"trade_id", res.Trade.ID,
		"market", res.Trade.Market,
		"price", res.Trade.Price,
		"quantity", res.Trade.Quantity,
		"fee", res.Trade.Fee,
	)
	s.notifier.TradeSettled(ctx, res.Trade)
	s.notifier.BalancesUpdated(ctx, "trade_settled", res.Trade.ID, res.Balances)
	s.notifier.OrdersUpdated(ctx, res.Orders...)
	return res, nil
}

func (s *LedgerService) settle(ctx context.Context, tx storage.Tx, ev TradeEvent) (SettlementResult, error) {
	orders, err := tx.LockOrders(ctx, ev.MakerOrderID, ev.TakerOrderID)
	if err != nil {
		return SettlementResult{}, err
	}
	maker, taker := orders[ev.MakerOrderID], orders[ev.TakerOrderID]
	if maker.Market != ev.Market || taker.Market != ev.Market {
		return SettlementResult{}, fmt.Errorf("%w: trade %s market %s, orders in %s and %s",
			ledger.ErrMalformedEvent, ev.ID, ev.Market, maker.Market, taker.Market)
	}
	if maker.Side == taker.Side {
		return SettlementResult{}, fmt.Errorf("%w: trade %s matches two %s orders", ledger.ErrMalformedEvent, ev.ID, maker.Side)
	}

	exists, err := tx.TradeExists(ctx, ev.ID)
	if err != nil {
		return SettlementResult{}, err
	}
	if exists {
		return SettlementResult{AlreadyProcessed: true}, nil
	}

	market, err := tx.GetMarket(ctx, ev.Market)
	if err != nil {
		return SettlementResult{}, err
	}

	now := s.now()
	if err := maker.ApplyFill(ev.Quantity, now); err != nil {
		return SettlementResult{}, err
	}
	if err := taker.ApplyFill(ev.Quantity, now); err != nil {
		return SettlementResult{}, err
	}

	buy, sell := maker, taker
	if buy.Side != ledger.SideBuy {
		buy, sell = taker, maker
	}

	value, err := ledger.Mul(ev.Price, ev.Quantity)
	if err != nil {
		return SettlementResult{}, err
	}
	reserved, err := ledger.Mul(buy.LockPrice, ev.Quantity)
	if err != nil {
		return SettlementResult{}, err
	}
	refund := reserved - value
	if refund < 0 {
		return SettlementResult{}, fmt.Errorf("%w: trade %s reserved %d, value %d", ledger.ErrNegativeRefund, ev.ID, reserved, value)
	}
	fee, err := ledger.ApplyBps(value, market.FeeBps(sell.ID == maker.ID))
	if err != nil {
		return SettlementResult{}, err
	}

	sellerBase := ledger.BalanceKey{UserID: sell.UserID, Asset: market.BaseAsset}
	sellerQuote := ledger.BalanceKey{UserID: sell.UserID, Asset: market.QuoteAsset}
	buyerBase := ledger.BalanceKey{UserID: buy.UserID, Asset: market.BaseAsset}
	buyerQuote := ledger.BalanceKey{UserID: buy.UserID, Asset: market.QuoteAsset}
	keys := []ledger.BalanceKey{sellerBase, sellerQuote, buyerBase, buyerQuote}
	feeKey := ledger.BalanceKey{UserID: s.opts.FeeAccountID, Asset: market.QuoteAsset}
	if fee > 0 {
		keys = append(keys, feeKey)
	}
	balances, err := tx.LockBalances(ctx, keys)
	if err != nil {
		return SettlementResult{}, err
	}

	steps := []func() error{
		func() error { return balances[sellerBase].DebitLocked(ev.Quantity) },
		func() error { return balances[sellerQuote].Credit(value - fee) },
		func() error { return balances[buyerBase].Credit(ev.Quantity) },
		func() error { return balances[buyerQuote].DebitLocked(reserved) },
		func() error { return balances[buyerQuote].Credit(refund) },
	}
	if fee > 0 {
		steps = append(steps, func() error { return balances[feeKey].Credit(fee) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return SettlementResult{}, err
		}
	}

	touched := uniqueBalances(balances, keys)
	if err := tx.SaveBalances(ctx, touched...); err != nil {
		return SettlementResult{}, err
	}
	if err := tx.UpdateOrder(ctx, maker); err != nil {
		return SettlementResult{}, err
	}
	if err := tx.UpdateOrder(ctx, taker); err != nil {
		return SettlementResult{}, err
	}

	executedAt := ev.ExecutedAt
	if executedAt.IsZero() {
		executedAt = now
	}
	trade := &ledger.Trade{
		ID:          ev.ID,
		Market:      ev.Market,
		Price:       ev.Price,
		Quantity:    ev.Quantity,
		TakerSide:   taker.Side,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Fee:         fee,
		FeeAsset:    market.QuoteAsset,
		ExecutedAt:  executedAt,
		CreatedAt:   now,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		if errors.Is(err, storage.ErrDuplicateTrade) {
			return SettlementResult{}, errTradeRecorded
		}
		return SettlementResult{}, err
	}

	return SettlementResult{
		Trade:    trade,
		Orders:   []*ledger.Order{maker, taker},
		Balances: balanceValues(touched),
	}, nil
}

// uniqueBalances returns the locked balances for keys once each, in key
// order of first appearance.
func uniqueBalances(balances map[ledger.BalanceKey]*ledger.Balance, keys []ledger.BalanceKey) []*ledger.Balance {
	seen := make(map[ledger.BalanceKey]struct{}, len(keys))
	out := make([]*ledger.Balance, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, balances[k])
	}
	return out
}
