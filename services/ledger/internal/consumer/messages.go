package consumer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/service"
)

const (
	EventTrade           = "Trade"
	EventOrderProcessed  = "OrderProcessed"
	EventCancelProcessed = "CancelProcessed"

	RequestPlaceOrder  = "PlaceOrder"
	RequestCancelOrder = "CancelOrder"
)

// EngineEvent is the envelope of everything on an engine events queue.
type EngineEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Units is an integer count of minor units. On the wire it is a decimal
// string, or a bare JSON number.
type Units int64

func (u *Units) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return fmt.Errorf("%w: amount is null", ledger.ErrMalformedEvent)
	}
	raw = strings.Trim(raw, `"`)
	v, err := ledger.ParseUnits(raw)
	if err != nil {
		return err
	}
	*u = Units(v)
	return nil
}

type TradePayload struct {
	ID           string `json:"id"`
	Market       string `json:"market"`
	Price        Units  `json:"price"`
	Quantity     Units  `json:"quantity"`
	MakerOrderID string `json:"makerOrderId"`
	TakerOrderID string `json:"takerOrderId"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

type ConfirmationPayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type OrderRequest struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

type PlaceOrderPayload struct {
	UserID        string `json:"user_id"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	Price         *Units `json:"price,omitempty"`
	StopPrice     *Units `json:"stop_price,omitempty"`
	Quantity      Units  `json:"quantity"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type CancelOrderPayload struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id,omitempty"`
}

func decodeStrict(raw []byte, v any, what string) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty %s", ledger.ErrMalformedEvent, what)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		if ledger.Classify(err) == ledger.ClassMalformed {
			return fmt.Errorf("decode %s: %w", what, err)
		}
		return fmt.Errorf("%w: decode %s: %v", ledger.ErrMalformedEvent, what, err)
	}
	return nil
}

func parseID(raw, field string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", ledger.ErrMalformedEvent, field)
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s %q", ledger.ErrMalformedEvent, field, raw)
	}
	return id, nil
}

// tradeEvent converts the payload for a worker bound to market. Events for
// another market are malformed.
func (p TradePayload) tradeEvent(market string) (service.TradeEvent, error) {
	eventMarket := strings.TrimSpace(p.Market)
	if eventMarket == "" {
		eventMarket = market
	}
	if eventMarket != market {
		return service.TradeEvent{}, fmt.Errorf("%w: trade %s for %s on %s queue", ledger.ErrMalformedEvent, p.ID, eventMarket, market)
	}
	maker, err := parseID(p.MakerOrderID, "makerOrderId")
	if err != nil {
		return service.TradeEvent{}, err
	}
	taker, err := parseID(p.TakerOrderID, "takerOrderId")
	if err != nil {
		return service.TradeEvent{}, err
	}
	ev := service.TradeEvent{
		ID:           strings.TrimSpace(p.ID),
		Market:       eventMarket,
		Price:        int64(p.Price),
		Quantity:     int64(p.Quantity),
		MakerOrderID: maker,
		TakerOrderID: taker,
	}
	if p.Timestamp > 0 {
		ev.ExecutedAt = time.UnixMilli(p.Timestamp).UTC()
	}
	return ev, nil
}

func (p ConfirmationPayload) confirmation() (service.Confirmation, error) {
	id, err := parseID(p.OrderID, "orderId")
	if err != nil {
		return service.Confirmation{}, err
	}
	status, err := service.ParseConfirmationStatus(p.Status)
	if err != nil {
		return service.Confirmation{}, err
	}
	return service.Confirmation{OrderID: id, Status: status, Reason: p.Reason}, nil
}

// placeRequest converts a request payload. Field problems are user errors:
// the request came from a client, not the engine.
func (p PlaceOrderPayload) placeRequest(market string) (service.PlaceOrderRequest, error) {
	userID, err := uuid.Parse(strings.TrimSpace(p.UserID))
	if err != nil {
		return service.PlaceOrderRequest{}, fmt.Errorf("%w: invalid user_id %q", ledger.ErrInvalidOrder, p.UserID)
	}
	side, err := ledger.ParseSide(p.Side)
	if err != nil {
		return service.PlaceOrderRequest{}, err
	}
	typ, err := ledger.ParseOrderType(p.OrderType)
	if err != nil {
		return service.PlaceOrderRequest{}, err
	}
	req := service.PlaceOrderRequest{
		UserID:        userID,
		Market:        market,
		Side:          side,
		Type:          typ,
		Quantity:      int64(p.Quantity),
		ClientOrderID: strings.TrimSpace(p.ClientOrderID),
	}
	if p.Price != nil && (typ.Priced() || *p.Price != 0) {
		v := int64(*p.Price)
		req.Price = &v
	}
	if p.StopPrice != nil && (typ.Stop() || *p.StopPrice != 0) {
		v := int64(*p.StopPrice)
		req.StopPrice = &v
	}
	return req, nil
}
