package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/trace"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

type CancelOrderRequest struct {
	OrderID uuid.UUID
	// UserID, when set, must own the order.
	UserID uuid.UUID
}

type CancelOrderResult struct {
	Order    *ledger.Order
	Released int64
	Balance  *ledger.Balance
}

// CancelOrder cancels a live order locally, releases its remaining
// reservation and asks the engine to drop it. The engine may still report
// fills for it; see HandleCancelProcessed.
func (s *LedgerService) CancelOrder(ctx context.Context, req CancelOrderRequest) (res CancelOrderResult, err error) {
	ctx, span := trace.Start(ctx, tracerName, "ledger.CancelOrder", attribute.String("order_id", req.OrderID.String()))
	start := s.now()
	market := ""
	defer func() {
		trace.End(span, err)
		s.metrics.IncCancel(market, ledger.CancelReasonUser, statusLabel(err))
		s.metrics.ObserveDuration("cancel_order", s.now().Sub(start))
	}()

	if req.OrderID == uuid.Nil {
		return CancelOrderResult{}, fmt.Errorf("%w: order id is required", ledger.ErrInvalidOrder)
	}

	res, err = s.cancelTx(ctx, req.OrderID, req.UserID, ledger.CancelReasonUser)
	if err != nil {
		return CancelOrderResult{}, err
	}
	market = res.Order.Market

	s.logger.Info("order canceled",
		"order_id", res.Order.ID,
		"user_id", res.Order.UserID,
		"market", res.Order.Market,
		"released", res.Released,
	)
	s.submitCancel(ctx, res.Order)
	s.publishCancel(ctx, res)
	return res, nil
}

// submitCancel asks the engine to drop a user-canceled order and records
// that the command was enqueued. Unrecorded cancels are picked up by
// ResubmitPending.
func (s *LedgerService) submitCancel(ctx context.Context, order *ledger.Order) bool {
	if s.emitter == nil {
		return false
	}
	if err := s.emitter.CancelOrder(ctx, order); err != nil {
		s.metrics.IncEmitFailure("CancelOrder")
		s.logger.Warn("emit cancel order failed", "order_id", order.ID, "market", order.Market, "error", err)
		return false
	}
	at := s.now()
	if err := s.store.MarkCancelSubmitted(ctx, order.ID, at); err != nil {
		s.logger.Warn("mark cancel submitted failed", "order_id", order.ID, "error", err)
		return true
	}
	order.CancelSubmittedAt = &at
	return true
}

// cancelTx cancels orderID with reason and unlocks what it still reserves.
// A non-nil owner that does not match reports the order as missing.
func (s *LedgerService) cancelTx(ctx context.Context, orderID, owner uuid.UUID, reason string) (CancelOrderResult, error) {
	var res CancelOrderResult
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		orders, err := tx.LockOrders(ctx, orderID)
		if err != nil {
			return err
		}
		order := orders[orderID]
		if owner != uuid.Nil && order.UserID != owner {
			return fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, orderID)
		}
		res, err = s.cancelLocked(ctx, tx, order, reason)
		return err
	})
	if err != nil {
		return CancelOrderResult{}, err
	}
	return res, nil
}

// cancelLocked cancels an order already locked by tx and unlocks its
// remaining reservation.
func (s *LedgerService) cancelLocked(ctx context.Context, tx storage.Tx, order *ledger.Order, reason string) (CancelOrderResult, error) {
	market, err := tx.GetMarket(ctx, order.Market)
	if err != nil {
		return CancelOrderResult{}, err
	}
	remaining, err := order.Cancel(reason, s.now())
	if err != nil {
		return CancelOrderResult{}, err
	}
	_, released, err := order.Reservation(market, remaining)
	if err != nil {
		return CancelOrderResult{}, err
	}
	balance, err := releaseReservation(ctx, tx, market, order, remaining)
	if err != nil {
		return CancelOrderResult{}, err
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return CancelOrderResult{}, err
	}
	return CancelOrderResult{Order: order, Released: released, Balance: balance}, nil
}

func (s *LedgerService) publishCancel(ctx context.Context, res CancelOrderResult) {
	s.notifier.OrdersUpdated(ctx, res.Order)
	if res.Balance != nil {
		s.notifier.BalancesUpdated(ctx, "order_canceled", res.Order.ID.String(), []ledger.Balance{*res.Balance})
	}
}
