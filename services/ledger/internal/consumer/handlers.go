package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iamBhanuRathore/off-chain-orderbook/libs/kafka"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/redisq"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/service"
)

type Ledger interface {
	ApplyTrade(ctx context.Context, ev service.TradeEvent) (service.SettlementResult, error)
	HandleOrderProcessed(ctx context.Context, c service.Confirmation) error
	HandleCancelProcessed(ctx context.Context, c service.Confirmation) error
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (service.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, req service.CancelOrderRequest) (service.CancelOrderResult, error)
	ResubmitPending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	RaiseAlert(ctx context.Context, alert service.AlertEvent)
}

// Rejecter reports order requests that the ledger refused.
type Rejecter interface {
	OrderRejected(ctx context.Context, rejected service.OrderRejectedEvent)
}

// EventHandler applies engine events from one market's events queue.
type EventHandler struct {
	market string
	ledger Ledger
	logger *slog.Logger
}

func NewEventHandler(market string, ledger Ledger, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{market: market, ledger: ledger, logger: logger.With("market", market)}
}

func (h *EventHandler) HandleMessage(ctx context.Context, msg *redisq.Message) error {
	var event EngineEvent
	if err := decodeStrict([]byte(msg.Body), &event, "engine event"); err != nil {
		return redisq.Permanent(err, "malformed")
	}

	reference, err := h.dispatch(ctx, event)
	if err == nil {
		return nil
	}
	switch ledger.Classify(err) {
	case ledger.ClassMalformed:
		return redisq.Permanent(err, "malformed")
	case ledger.ClassIntegrity:
		h.ledger.RaiseAlert(ctx, service.AlertEvent{
			Kind:      service.AlertIntegrity,
			Market:    h.market,
			Reference: reference,
			Error:     err.Error(),
		})
		return redisq.Permanent(err, "integrity")
	case ledger.ClassUser:
		return redisq.Permanent(err, "rejected")
	default:
		return err
	}
}

// dispatch routes one event and returns the id it concerns, for alerts.
func (h *EventHandler) dispatch(ctx context.Context, event EngineEvent) (string, error) {
	switch event.Type {
	case EventTrade:
		var payload TradePayload
		if err := decodeStrict(event.Payload, &payload, "trade"); err != nil {
			return "", err
		}
		ev, err := payload.tradeEvent(h.market)
		if err != nil {
			return payload.ID, err
		}
		res, err := h.ledger.ApplyTrade(ctx, ev)
		if err != nil {
			return ev.ID, err
		}
		if res.AlreadyProcessed {
			h.logger.Info("duplicate trade event acknowledged", "trade_id", ev.ID)
		}
		return ev.ID, nil
	case EventOrderProcessed, EventCancelProcessed:
		var payload ConfirmationPayload
		if err := decodeStrict(event.Payload, &payload, event.Type); err != nil {
			return "", err
		}
		c, err := payload.confirmation()
		if err != nil {
			return payload.OrderID, err
		}
		if event.Type == EventOrderProcessed {
			return payload.OrderID, h.ledger.HandleOrderProcessed(ctx, c)
		}
		return payload.OrderID, h.ledger.HandleCancelProcessed(ctx, c)
	default:
		return "", fmt.Errorf("%w: unknown event type %q", ledger.ErrMalformedEvent, event.Type)
	}
}

// RequestHandler turns client order requests from one market's request
// queue into placements and cancellations. Refused requests are
// acknowledged and reported instead of dead-lettered.
type RequestHandler struct {
	market   string
	ledger   Ledger
	rejecter Rejecter
	logger   *slog.Logger
}

func NewRequestHandler(market string, ledger Ledger, rejecter Rejecter, logger *slog.Logger) *RequestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestHandler{market: market, ledger: ledger, rejecter: rejecter, logger: logger.With("market", market)}
}

func (h *RequestHandler) HandleMessage(ctx context.Context, msg *redisq.Message) error {
	var req OrderRequest
	if err := decodeStrict([]byte(msg.Body), &req, "order request"); err != nil {
		return redisq.Permanent(err, "malformed")
	}

	rejected := service.OrderRejectedEvent{Market: h.market, Command: req.Command}
	var err error
	switch req.Command {
	case RequestPlaceOrder:
		err = h.place(ctx, req, msg.Body, &rejected)
	case RequestCancelOrder:
		err = h.cancel(ctx, req, &rejected)
	default:
		err = fmt.Errorf("%w: unknown command %q", ledger.ErrMalformedEvent, req.Command)
	}
	if err == nil {
		return nil
	}

	if ledger.IsUserError(err) || (req.Command == RequestCancelOrder && errors.Is(err, ledger.ErrOrderNotFound)) {
		rejected.Error = err.Error()
		h.logger.Info("order request rejected", "command", req.Command, "user_id", rejected.UserID, "error", err)
		if h.rejecter != nil {
			h.rejecter.OrderRejected(ctx, rejected)
		}
		return nil
	}
	switch ledger.Classify(err) {
	case ledger.ClassMalformed:
		return redisq.Permanent(err, "malformed")
	case ledger.ClassIntegrity:
		h.ledger.RaiseAlert(ctx, service.AlertEvent{
			Kind:      service.AlertIntegrity,
			Market:    h.market,
			Reference: rejected.OrderID,
			Error:     err.Error(),
		})
		return redisq.Permanent(err, "integrity")
	default:
		return err
	}
}

// place submits a PlaceOrder request. A request without a client order id
// gets one derived from its body, so a redelivered message resolves to the
// order its first delivery created.
func (h *RequestHandler) place(ctx context.Context, req OrderRequest, body string, rejected *service.OrderRejectedEvent) error {
	var payload PlaceOrderPayload
	if err := decodeStrict(req.Payload, &payload, "place order"); err != nil {
		return err
	}
	rejected.UserID = payload.UserID
	rejected.ClientOrderID = payload.ClientOrderID

	placement, err := payload.placeRequest(h.market)
	if err != nil {
		return err
	}
	if placement.ClientOrderID == "" {
		placement.ClientOrderID = kafka.DeterministicEventID("order.request", h.market, body)
	}
	res, err := h.ledger.PlaceOrder(ctx, placement)
	if err != nil {
		return err
	}
	rejected.OrderID = res.Order.ID.String()
	if res.Existing {
		h.logger.Info("duplicate order request acknowledged", "order_id", res.Order.ID, "client_order_id", res.Order.ClientOrderID)
	}
	return nil
}

func (h *RequestHandler) cancel(ctx context.Context, req OrderRequest, rejected *service.OrderRejectedEvent) error {
	var payload CancelOrderPayload
	if err := decodeStrict(req.Payload, &payload, "cancel order"); err != nil {
		return err
	}
	rejected.UserID = payload.UserID
	rejected.OrderID = payload.OrderID

	orderID, err := parseID(payload.OrderID, "order_id")
	if err != nil {
		return err
	}
	cancel := service.CancelOrderRequest{OrderID: orderID}
	if payload.UserID != "" {
		userID, err := parseID(payload.UserID, "user_id")
		if err != nil {
			return err
		}
		cancel.UserID = userID
	}
	_, err = h.ledger.CancelOrder(ctx, cancel)
	return err
}
