package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/trace"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

type ConfirmationStatus string

const (
	ConfirmationSuccess ConfirmationStatus = "SUCCESS"
	ConfirmationFailure ConfirmationStatus = "FAILURE"
)

func ParseConfirmationStatus(raw string) (ConfirmationStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(ConfirmationSuccess):
		return ConfirmationSuccess, nil
	case string(ConfirmationFailure):
		return ConfirmationFailure, nil
	default:
		return "", fmt.Errorf("%w: confirmation status %q", ledger.ErrMalformedEvent, raw)
	}
}

// Confirmation is the engine's answer to a NewOrder or CancelOrder command.
type Confirmation struct {
	OrderID uuid.UUID
	Status  ConfirmationStatus
	Reason  string
}

const (
	AlertCancelRejected = "cancel_rejected"
	AlertIntegrity      = "integrity"
)

// HandleOrderProcessed records the engine's verdict on a NewOrder. A
// rejection cancels the order locally and releases its reservation.
func (s *LedgerService) HandleOrderProcessed(ctx context.Context, c Confirmation) (err error) {
	ctx, span := trace.Start(ctx, tracerName, "ledger.HandleOrderProcessed",
		attribute.String("order_id", c.OrderID.String()),
		attribute.String("status", string(c.Status)),
	)
	defer func() {
		trace.End(span, err)
		s.metrics.IncConfirmation("OrderProcessed", string(c.Status))
	}()

	if c.OrderID == uuid.Nil {
		return fmt.Errorf("%w: order id is required", ledger.ErrMalformedEvent)
	}
	switch c.Status {
	case ConfirmationSuccess:
		return s.acknowledge(ctx, c.OrderID)
	case ConfirmationFailure:
		res, canceled, err := s.cancelIfLive(ctx, c.OrderID, ledger.CancelReasonEngineRejected)
		if err != nil {
			return err
		}
		if !canceled {
			return nil
		}
		s.metrics.IncCancel(res.Order.Market, ledger.CancelReasonEngineRejected, "success")
		s.logger.Warn("order rejected by engine",
			"order_id", res.Order.ID,
			"market", res.Order.Market,
			"reason", c.Reason,
			"released", res.Released,
		)
		s.publishCancel(ctx, res)
		return nil
	default:
		return fmt.Errorf("%w: confirmation status %q", ledger.ErrMalformedEvent, c.Status)
	}
}

// HandleCancelProcessed reconciles the engine's verdict on a cancellation.
// The engine may cancel on its own (e.g. expiry), so a successful cancel of
// a live order releases it here. A failed cancel of an order already
// canceled locally means the engine kept it on the book; that is alerted.
func (s *LedgerService) HandleCancelProcessed(ctx context.Context, c Confirmation) (err error) {
	ctx, span := trace.Start(ctx, tracerName, "ledger.HandleCancelProcessed",
		attribute.String("order_id", c.OrderID.String()),
		attribute.String("status", string(c.Status)),
	)
	defer func() {
		trace.End(span, err)
		s.metrics.IncConfirmation("CancelProcessed", string(c.Status))
	}()

	if c.OrderID == uuid.Nil {
		return fmt.Errorf("%w: order id is required", ledger.ErrMalformedEvent)
	}
	switch c.Status {
	case ConfirmationSuccess:
		res, canceled, err := s.cancelIfLive(ctx, c.OrderID, ledger.CancelReasonEngine)
		if err != nil {
			return err
		}
		if canceled {
			s.metrics.IncCancel(res.Order.Market, ledger.CancelReasonEngine, "success")
			s.logger.Info("order canceled by engine", "order_id", res.Order.ID, "market", res.Order.Market, "released", res.Released)
			s.publishCancel(ctx, res)
		}
		return nil
	case ConfirmationFailure:
		var order *ledger.Order
		err := s.store.WithTx(ctx, func(tx storage.Tx) error {
			orders, err := tx.LockOrders(ctx, c.OrderID)
			if err != nil {
				return err
			}
			order = orders[c.OrderID]
			return nil
		})
		if err != nil {
			return err
		}
		if order.Status != ledger.StatusCanceled {
			s.logger.Info("engine cancel failed for live order", "order_id", order.ID, "status", order.Status, "reason", c.Reason)
			return nil
		}
		s.RaiseAlert(ctx, AlertEvent{
			Kind:      AlertCancelRejected,
			Market:    order.Market,
			Reference: order.ID.String(),
			Error:     fmt.Sprintf("engine refused cancel of locally canceled order: %s", c.Reason),
		})
		return nil
	default:
		return fmt.Errorf("%w: confirmation status %q", ledger.ErrMalformedEvent, c.Status)
	}
}

func (s *LedgerService) acknowledge(ctx context.Context, orderID uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		orders, err := tx.LockOrders(ctx, orderID)
		if err != nil {
			return err
		}
		order := orders[orderID]
		if order.AcknowledgedAt != nil {
			return nil
		}
		now := s.now()
		order.AcknowledgedAt = &now
		order.UpdatedAt = now
		return tx.UpdateOrder(ctx, order)
	})
}

// cancelIfLive cancels the order unless it is already terminal, in which
// case it reports false and changes nothing.
func (s *LedgerService) cancelIfLive(ctx context.Context, orderID uuid.UUID, reason string) (CancelOrderResult, bool, error) {
	var res CancelOrderResult
	var canceled bool
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		orders, err := tx.LockOrders(ctx, orderID)
		if err != nil {
			return err
		}
		order := orders[orderID]
		if !order.Live() {
			return nil
		}
		res, err = s.cancelLocked(ctx, tx, order, reason)
		if err != nil {
			return err
		}
		canceled = true
		return nil
	})
	if err != nil {
		return CancelOrderResult{}, false, err
	}
	return res, canceled, nil
}

// RaiseAlert records an integrity alert and publishes it.
func (s *LedgerService) RaiseAlert(ctx context.Context, alert AlertEvent) {
	s.metrics.IncIntegrityAlert(alert.Kind)
	s.logger.Error("ledger integrity alert",
		"kind", alert.Kind,
		"market", alert.Market,
		"reference", alert.Reference,
		"error", alert.Error,
	)
	s.notifier.Alert(ctx, alert)
}
