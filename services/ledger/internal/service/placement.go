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

type PlaceOrderRequest struct {
	UserID        uuid.UUID
	Market        string
	Side          ledger.Side
	Type          ledger.OrderType
	Price         *int64
	StopPrice     *int64
	Quantity      int64
	ClientOrderID string
}

type PlaceOrderResult struct {
	Order *ledger.Order
	// Existing is set when the client order id was already used; nothing was
	// locked or emitted.
	Existing bool
	// Submitted reports whether the NewOrder command reached the engine
	// queue. Unsubmitted orders are picked up by ResubmitPending.
	Submitted bool
	Balance   *ledger.Balance
}

func (r PlaceOrderRequest) validate() error {
	if r.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", ledger.ErrInvalidOrder)
	}
	if strings.TrimSpace(r.Market) == "" {
		return fmt.Errorf("%w: market is required", ledger.ErrInvalidOrder)
	}
	if r.Side != ledger.SideBuy && r.Side != ledger.SideSell {
		return fmt.Errorf("%w: side %q", ledger.ErrInvalidOrder, r.Side)
	}
	switch r.Type {
	case ledger.OrderTypeLimit, ledger.OrderTypeMarket, ledger.OrderTypeStopLimit, ledger.OrderTypeStopMarket:
	default:
		return fmt.Errorf("%w: order type %q", ledger.ErrInvalidOrder, r.Type)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ledger.ErrInvalidOrder)
	}
	if r.Type.Priced() && r.Price == nil {
		return fmt.Errorf("%w: %s order requires a price", ledger.ErrInvalidOrder, r.Type)
	}
	if !r.Type.Priced() && r.Price != nil {
		return fmt.Errorf("%w: %s order takes no price", ledger.ErrInvalidOrder, r.Type)
	}
	if r.Type.Stop() && r.StopPrice == nil {
		return fmt.Errorf("%w: %s order requires a stop price", ledger.ErrInvalidOrder, r.Type)
	}
	if !r.Type.Stop() && r.StopPrice != nil {
		return fmt.Errorf("%w: %s order takes no stop price", ledger.ErrInvalidOrder, r.Type)
	}
	return nil
}

func validateAgainstMarket(m ledger.Market, r PlaceOrderRequest) error {
	if err := m.ValidateQuantity(r.Quantity); err != nil {
		return err
	}
	if r.Price != nil {
		if err := m.ValidatePrice(*r.Price); err != nil {
			return err
		}
	}
	if r.StopPrice != nil {
		if err := m.ValidatePrice(*r.StopPrice); err != nil {
			return fmt.Errorf("stop price: %w", err)
		}
	}
	return nil
}

// PlaceOrder reserves funds for a new order and forwards it to the engine.
// Resubmitting a known client order id returns the stored order.
func (s *LedgerService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (res PlaceOrderResult, err error) {
	ctx, span := trace.Start(ctx, tracerName, "ledger.PlaceOrder",
		attribute.String("market", req.Market),
		attribute.String("side", string(req.Side)),
		attribute.String("order_type", string(req.Type)),
	)
	start := s.now()
	defer func() {
		trace.End(span, err)
		s.metrics.IncPlacement(req.Market, placementStatus(res, err))
		s.metrics.ObserveDuration("place_order", s.now().Sub(start))
	}()

	if err := req.validate(); err != nil {
		return PlaceOrderResult{}, err
	}

	// A concurrent placement with the same client order id loses on the
	// unique index; the retry then returns the winner's order.
	for attempt := 0; attempt < 2; attempt++ {
		res, err = s.placeOrderTx(ctx, req)
		if !errors.Is(err, storage.ErrDuplicateOrder) {
			break
		}
	}
	if err != nil {
		return PlaceOrderResult{}, err
	}
	if res.Existing {
		return res, nil
	}

	s.logger.Info("order placed",
		"order_id", res.Order.ID,
		"user_id", res.Order.UserID,
		"market", res.Order.Market,
		"side", res.Order.Side,
		"type", res.Order.Type,
		"quantity", res.Order.Quantity,
		"lock_price", res.Order.LockPrice,
	)
	res.Submitted = s.submit(ctx, res.Order)
	s.notifier.OrdersUpdated(ctx, res.Order)
	if res.Balance != nil {
		s.notifier.BalancesUpdated(ctx, "order_placed", res.Order.ID.String(), []ledger.Balance{*res.Balance})
	}
	return res, nil
}

func (s *LedgerService) placeOrderTx(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	var res PlaceOrderResult
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if req.ClientOrderID != "" {
			existing, err := tx.FindOrderByClientID(ctx, req.UserID, req.ClientOrderID)
			if err == nil {
				res = PlaceOrderResult{Order: existing, Existing: true}
				return nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}

		market, err := tx.GetMarket(ctx, req.Market)
		if err != nil {
			return err
		}
		if !market.Enabled {
			return fmt.Errorf("%w: %s is disabled", ledger.ErrUnknownMarket, market.Symbol)
		}
		if err := validateAgainstMarket(market, req); err != nil {
			return err
		}

		lockPrice, err := s.lockPrice(ctx, tx, market, req)
		if err != nil {
			return err
		}
		order, err := ledger.NewOrder(req.UserID, market.Symbol, req.Side, req.Type, req.Price, req.StopPrice,
			lockPrice, req.Quantity, req.ClientOrderID, s.now())
		if err != nil {
			return err
		}

		asset, amount, err := order.Reservation(market, order.Quantity)
		if err != nil {
			return err
		}
		key := ledger.BalanceKey{UserID: order.UserID, Asset: asset}
		balances, err := tx.LockBalances(ctx, []ledger.BalanceKey{key})
		if err != nil {
			return err
		}
		balance := balances[key]
		if err := balance.Lock(amount); err != nil {
			return err
		}
		if err := tx.SaveBalances(ctx, balance); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		res = PlaceOrderResult{Order: order, Balance: balance}
		return nil
	})
	if err != nil {
		return PlaceOrderResult{}, rejectOverflow(err)
	}
	return res, nil
}

// lockPrice is the per-unit quote price a buy reservation is sized with.
// Market buys have no price of their own, so they reserve against the last
// trade widened by the configured slippage, bounded by the market's maximum
// price.
func (s *LedgerService) lockPrice(ctx context.Context, tx storage.Tx, market ledger.Market, req PlaceOrderRequest) (int64, error) {
	if req.Type.Priced() {
		return *req.Price, nil
	}
	if req.Side == ledger.SideSell {
		return 0, nil
	}
	last, ok, err := tx.LastTradePrice(ctx, market.Symbol)
	if err != nil {
		return 0, err
	}
	if !ok {
		if market.MaxPrice > 0 {
			return market.MaxPrice, nil
		}
		return 0, fmt.Errorf("%w: %s", ledger.ErrPriceUnavailable, market.Symbol)
	}
	price, err := ledger.ScaleUpBps(last, s.opts.MarketBuySlippageBps)
	if err != nil {
		return 0, err
	}
	if market.MaxPrice > 0 && price > market.MaxPrice {
		price = market.MaxPrice
	}
	return price, nil
}

// submit forwards the order to the engine and records the submission. It
// reports false when the command could not be enqueued.
func (s *LedgerService) submit(ctx context.Context, order *ledger.Order) bool {
	if s.emitter == nil {
		return false
	}
	if err := s.emitter.NewOrder(ctx, order); err != nil {
		s.metrics.IncEmitFailure("NewOrder")
		s.logger.Warn("emit new order failed", "order_id", order.ID, "market", order.Market, "error", err)
		return false
	}
	at := s.now()
	if err := s.store.MarkSubmitted(ctx, order.ID, at); err != nil {
		s.logger.Warn("mark order submitted failed", "order_id", order.ID, "error", err)
		return true
	}
	order.SubmittedAt = &at
	return true
}

// ResubmitPending re-emits commands that never reached the engine queue:
// NewOrder for live orders created before olderThan ago, and CancelOrder for
// orders their owner canceled before then. It returns how many commands were
// submitted.
func (s *LedgerService) ResubmitPending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-olderThan)
	orders, err := s.store.ListUnsubmitted(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	submitted := 0
	for i := range orders {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		order := &orders[i]
		if !s.submit(ctx, order) {
			continue
		}
		submitted++
		s.metrics.IncResubmission()
		s.logger.Info("order resubmitted", "order_id", order.ID, "market", order.Market)
	}

	canceled, err := s.store.ListUnsentCancels(ctx, cutoff, limit)
	if err != nil {
		return submitted, err
	}
	for i := range canceled {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		order := &canceled[i]
		if !s.submitCancel(ctx, order) {
			continue
		}
		submitted++
		s.metrics.IncResubmission()
		s.logger.Info("cancel resubmitted", "order_id", order.ID, "market", order.Market)
	}
	return submitted, nil
}

// rejectOverflow turns an amount overflow caused by the request itself into
// an invalid order, so it is refused rather than treated as a bad event.
func rejectOverflow(err error) error {
	if errors.Is(err, ledger.ErrAmountOverflow) {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidOrder, err)
	}
	return err
}

func placementStatus(res PlaceOrderResult, err error) string {
	switch {
	case err != nil && ledger.IsUserError(err):
		return "rejected"
	case err != nil:
		return "error"
	case res.Existing:
		return "duplicate"
	default:
		return "success"
	}
}
