package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/redis/go-redis/v9"
)

func setupEmitter(t *testing.T) (*Emitter, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewEmitter(client, "orderbook:orders:", "orderbook:cancel:"), s
}

func decodeCommand(t *testing.T, raw string) (string, map[string]string) {
	t.Helper()
	var envelope struct {
		Command string            `json:"command"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	return envelope.Command, envelope.Payload
}

func TestNewOrderPushesLimitCommand(t *testing.T) {
	emitter, s := setupEmitter(t)
	price := int64(100)
	order, err := ledger.NewOrder(uuid.New(), "BTC_USD", ledger.SideBuy, ledger.OrderTypeLimit, &price, nil, 100, 5, "c-1", time.Now())
	if err != nil {
		t.Fatalf("new order: %v", err)
	}

	if err := emitter.NewOrder(context.Background(), order); err != nil {
		t.Fatalf("emit: %v", err)
	}

	items, err := s.List("orderbook:orders:BTC_USD")
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one queued command, got %v (%v)", items, err)
	}
	cmd, payload := decodeCommand(t, items[0])
	if cmd != CommandNewOrder {
		t.Fatalf("unexpected command %s", cmd)
	}
	if payload["order_id"] != order.ID.String() || payload["price"] != "100" || payload["quantity"] != "5" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["side"] != "Buy" || payload["order_type"] != "Limit" || payload["client_order_id"] != "c-1" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if _, ok := payload["stop_price"]; ok {
		t.Fatalf("limit order must not carry a stop price")
	}
}

func TestNewOrderMarketUsesZeroPrice(t *testing.T) {
	order, err := ledger.NewOrder(uuid.New(), "BTC_USD", ledger.SideBuy, ledger.OrderTypeMarket, nil, nil, 105, 2, "", time.Now())
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	p := NewOrderPayloadFor(order)
	if p.Price != "0" || p.ProtectionPrice != "105" {
		t.Fatalf("unexpected market payload: %+v", p)
	}
	if p.ClientOrderID == "" {
		t.Fatalf("expected generated client order id")
	}
}

func TestCancelOrderPushesToCancelQueue(t *testing.T) {
	emitter, s := setupEmitter(t)
	order := &ledger.Order{ID: uuid.New(), Market: "ETH_USD"}

	if err := emitter.CancelOrder(context.Background(), order); err != nil {
		t.Fatalf("emit cancel: %v", err)
	}

	items, err := s.List("orderbook:cancel:ETH_USD")
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one queued cancel, got %v (%v)", items, err)
	}
	cmd, payload := decodeCommand(t, items[0])
	if cmd != CommandCancelOrder || payload["order_id"] != order.ID.String() || payload["market"] != "ETH_USD" {
		t.Fatalf("unexpected cancel command %s %v", cmd, payload)
	}
	if s.Exists("orderbook:orders:ETH_USD") {
		t.Fatalf("cancel must not touch the order queue")
	}
}

func TestEmitReportsPushFailure(t *testing.T) {
	emitter, s := setupEmitter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := emitter.CancelOrder(ctx, &ledger.Order{ID: uuid.New(), Market: "BTC_USD"})
	if err == nil {
		t.Fatalf("expected push error")
	}
	if s.Exists("orderbook:cancel:BTC_USD") {
		t.Fatalf("nothing should be queued")
	}
}
