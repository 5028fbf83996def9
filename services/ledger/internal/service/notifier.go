package service

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/kafka"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
)

const eventSource = "ledger"

type Topics struct {
	TradesSettled   string
	BalancesUpdated string
	OrdersUpdated   string
	OrdersRejected  string
	Alerts          string
}

type TradeSettledEvent struct {
	kafka.Envelope
	TradeID     string    `json:"trade_id"`
	Market      string    `json:"market"`
	Price       int64     `json:"price"`
	Quantity    int64     `json:"quantity"`
	Value       int64     `json:"value"`
	Fee         int64     `json:"fee"`
	FeeAsset    string    `json:"fee_asset"`
	TakerSide   string    `json:"taker_side"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	ExecutedAt  time.Time `json:"executed_at"`
}

type BalanceUpdatedEvent struct {
	kafka.Envelope
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
	Reason    string `json:"reason"`
}

type OrderUpdatedEvent struct {
	kafka.Envelope
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	ClientOrderID string `json:"client_order_id"`
	Market        string `json:"market"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Quantity      int64  `json:"quantity"`
	Filled        int64  `json:"filled"`
	Remaining     int64  `json:"remaining"`
	CancelReason  string `json:"cancel_reason,omitempty"`
}

type OrderRejectedEvent struct {
	kafka.Envelope
	UserID        string `json:"user_id,omitempty"`
	Market        string `json:"market"`
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Command       string `json:"command"`
	Error         string `json:"error"`
}

type AlertEvent struct {
	kafka.Envelope
	Kind      string `json:"kind"`
	Market    string `json:"market,omitempty"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error"`
}

// Notifier publishes ledger facts to Kafka after commit. Publishing is best
// effort: failures are logged and never returned. A nil Notifier or one
// without a publisher does nothing.
type Notifier struct {
	publisher kafka.Publisher
	topics    Topics
	logger    *slog.Logger
}

func NewNotifier(publisher kafka.Publisher, topics Topics, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{publisher: publisher, topics: topics, logger: logger}
}

func (n *Notifier) enabled() bool {
	return n != nil && n.publisher != nil
}

func (n *Notifier) publish(ctx context.Context, topic, key string, value any) {
	if topic == "" {
		return
	}
	if _, _, err := n.publisher.PublishJSON(ctx, topic, key, value); err != nil {
		n.logger.Warn("publish event failed", "topic", topic, "key", key, "error", err)
	}
}

func (n *Notifier) envelope(eventID, eventType, correlationID string) (kafka.Envelope, bool) {
	env, err := kafka.NewEnvelope(eventID, eventType, 1, eventSource, correlationID)
	if err != nil {
		n.logger.Error("build event envelope failed", "event_type", eventType, "error", err)
		return kafka.Envelope{}, false
	}
	return env, true
}

func (n *Notifier) TradeSettled(ctx context.Context, trade *ledger.Trade) {
	if !n.enabled() || trade == nil {
		return
	}
	env, ok := n.envelope(kafka.DeterministicEventID("trade.settled", trade.ID), "trade.settled", trade.ID)
	if !ok {
		return
	}
	value, _ := trade.Value()
	n.publish(ctx, n.topics.TradesSettled, trade.Market, TradeSettledEvent{
		Envelope:    env,
		TradeID:     trade.ID,
		Market:      trade.Market,
		Price:       trade.Price,
		Quantity:    trade.Quantity,
		Value:       value,
		Fee:         trade.Fee,
		FeeAsset:    trade.FeeAsset,
		TakerSide:   string(trade.TakerSide),
		BuyOrderID:  trade.BuyOrderID.String(),
		SellOrderID: trade.SellOrderID.String(),
		BuyerID:     trade.BuyerID.String(),
		SellerID:    trade.SellerID.String(),
		ExecutedAt:  trade.ExecutedAt,
	})
}

// BalancesUpdated publishes one event per balance. reference ties the
// events to the order or trade that moved the funds.
func (n *Notifier) BalancesUpdated(ctx context.Context, reason, reference string, balances []ledger.Balance) {
	if !n.enabled() {
		return
	}
	for _, b := range balances {
		eventID := kafka.DeterministicEventID("balance.updated", reason, reference, b.UserID.String(), b.Asset)
		env, ok := n.envelope(eventID, "balance.updated", reference)
		if !ok {
			continue
		}
		n.publish(ctx, n.topics.BalancesUpdated, b.UserID.String(), BalanceUpdatedEvent{
			Envelope:  env,
			UserID:    b.UserID.String(),
			Asset:     b.Asset,
			Available: b.Available,
			Locked:    b.Locked,
			Reason:    reason,
		})
	}
}

func (n *Notifier) OrdersUpdated(ctx context.Context, orders ...*ledger.Order) {
	if !n.enabled() {
		return
	}
	for _, o := range orders {
		if o == nil {
			continue
		}
		eventID := kafka.DeterministicEventID("order.updated", o.ID.String(), string(o.Status), strconv.FormatInt(o.Filled, 10))
		env, ok := n.envelope(eventID, "order.updated", o.ID.String())
		if !ok {
			continue
		}
		n.publish(ctx, n.topics.OrdersUpdated, o.ID.String(), OrderUpdatedEvent{
			Envelope:      env,
			OrderID:       o.ID.String(),
			UserID:        o.UserID.String(),
			ClientOrderID: o.ClientOrderID,
			Market:        o.Market,
			Side:          string(o.Side),
			Type:          string(o.Type),
			Status:        string(o.Status),
			Quantity:      o.Quantity,
			Filled:        o.Filled,
			Remaining:     o.Remaining,
			CancelReason:  o.CancelReason,
		})
	}
}

// OrderRejected reports a request the ledger refused.
func (n *Notifier) OrderRejected(ctx context.Context, rejected OrderRejectedEvent) {
	if !n.enabled() {
		return
	}
	env, ok := n.envelope("", "order.rejected", rejected.ClientOrderID)
	if !ok {
		return
	}
	rejected.Envelope = env
	key := rejected.UserID
	if key == "" {
		key = rejected.Market
	}
	n.publish(ctx, n.topics.OrdersRejected, key, rejected)
}

func (n *Notifier) Alert(ctx context.Context, alert AlertEvent) {
	if !n.enabled() {
		return
	}
	env, ok := n.envelope(uuid.NewString(), "ledger.alert", alert.Reference)
	if !ok {
		return
	}
	alert.Envelope = env
	n.publish(ctx, n.topics.Alerts, alert.Kind, alert)
}
