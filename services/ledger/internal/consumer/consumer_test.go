package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/redisq"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/engine"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/service"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

type published struct {
	topic string
	value any
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
}

func (p *fakePublisher) PublishJSON(_ context.Context, topic, _ string, value any) (int32, int64, error) {
	p.mu.Lock()
	p.messages = append(p.messages, published{topic: topic, value: value})
	p.mu.Unlock()
	return 0, 0, nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.topic == topic {
			n++
		}
	}
	return n
}

type env struct {
	store     *storage.SQLite
	svc       *service.LedgerService
	notifier  *service.Notifier
	publisher *fakePublisher
	redis     *miniredis.Miniredis
	client    *redis.Client
	events    *redisq.Queue
	requests  *redisq.Queue
}

var workerCfg = redisq.WorkerConfig{
	BlockTimeout: time.Second,
	ErrorBackoff: time.Millisecond,
	RetryBackoff: time.Millisecond,
	MaxAttempts:  3,
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := storagetest.NewSQLite(t)
	publisher := &fakePublisher{}
	notifier := service.NewNotifier(publisher, service.Topics{
		TradesSettled:   "trades.settled",
		BalancesUpdated: "balances.updated",
		OrdersUpdated:   "orders.updated",
		OrdersRejected:  "orders.rejected",
		Alerts:          "ledger.alerts",
	}, slog.Default())
	emitter := engine.NewEmitter(client, "orderbook:orders:", "orderbook:cancel:")
	svc := service.NewLedgerService(store, emitter, notifier, slog.Default(), nil, service.Options{})

	return &env{
		store:     store,
		svc:       svc,
		notifier:  notifier,
		publisher: publisher,
		redis:     s,
		client:    client,
		events:    redisq.New(client, "engine:events:BTC_USD"),
		requests:  redisq.New(client, "orders:requests:BTC_USD"),
	}
}

func (e *env) eventWorker() *redisq.Worker {
	return redisq.NewWorker(e.events, NewEventHandler("BTC_USD", e.svc, nil), workerCfg, nil, nil)
}

func (e *env) requestWorker() *redisq.Worker {
	return redisq.NewWorker(e.requests, NewRequestHandler("BTC_USD", e.svc, e.notifier, nil), workerCfg, nil, nil)
}

func (e *env) place(t *testing.T, user uuid.UUID, side ledger.Side, price, qty int64) *ledger.Order {
	t.Helper()
	p := price
	res, err := e.svc.PlaceOrder(context.Background(), service.PlaceOrderRequest{
		UserID: user, Market: "BTC_USD", Side: side, Type: ledger.OrderTypeLimit, Price: &p, Quantity: qty,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return res.Order
}

func push(t *testing.T, q *redisq.Queue, body string) {
	t.Helper()
	if err := q.Push(context.Background(), []byte(body)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func processOne(t *testing.T, w *redisq.Worker) {
	t.Helper()
	found, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !found {
		t.Fatalf("expected a message")
	}
}

func tradeJSON(id string, price, qty string, maker, taker uuid.UUID) string {
	return fmt.Sprintf(`{"type":"Trade","payload":{"id":%q,"market":"BTC_USD","price":%q,"quantity":%q,"makerOrderId":%q,"takerOrderId":%q,"timestamp":1767225600000}}`,
		id, price, qty, maker, taker)
}

func assertStats(t *testing.T, q *redisq.Queue, incoming, processing, dead int64) {
	t.Helper()
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Incoming != incoming || stats.Processing != processing || stats.DeadLetter != dead {
		t.Fatalf("unexpected stats for %s: %+v", q.Name(), stats)
	}
}

func deadLetterReason(t *testing.T, q *redisq.Queue) string {
	t.Helper()
	records, err := q.DeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(records))
	}
	return records[0].Reason
}

func TestTradeEventSettlesAndAcks(t *testing.T) {
	e := newEnv(t)
	buyer, seller := uuid.New(), uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 1000)
	storagetest.Fund(t, e.store, seller, "BTC", 5)
	buy := e.place(t, buyer, ledger.SideBuy, 100, 5)
	sell := e.place(t, seller, ledger.SideSell, 90, 5)

	push(t, e.events, tradeJSON("t-1", "90", "5", sell.ID, buy.ID))
	processOne(t, e.eventWorker())

	assertStats(t, e.events, 0, 0, 0)
	storagetest.AssertBalance(t, e.store, buyer, "USD", 550, 0)
	storagetest.AssertBalance(t, e.store, buyer, "BTC", 5, 0)
	storagetest.AssertBalance(t, e.store, seller, "USD", 450, 0)
	trade, err := e.store.GetTrade(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if !trade.ExecutedAt.Equal(time.UnixMilli(1767225600000)) {
		t.Fatalf("unexpected executed_at %s", trade.ExecutedAt)
	}
}

func TestDuplicateTradeEventIsAcked(t *testing.T) {
	e := newEnv(t)
	buyer, seller := uuid.New(), uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 1000)
	storagetest.Fund(t, e.store, seller, "BTC", 5)
	buy := e.place(t, buyer, ledger.SideBuy, 100, 5)
	sell := e.place(t, seller, ledger.SideSell, 100, 5)

	body := tradeJSON("t-1", "100", "2", buy.ID, sell.ID)
	push(t, e.events, body)
	push(t, e.events, body)
	w := e.eventWorker()
	processOne(t, w)
	processOne(t, w)

	assertStats(t, e.events, 0, 0, 0)
	storagetest.AssertBalance(t, e.store, buyer, "BTC", 2, 0)
	if n := e.publisher.count("trades.settled"); n != 1 {
		t.Fatalf("expected one settlement notification, got %d", n)
	}
}

func TestMalformedTradeIsDeadLettered(t *testing.T) {
	e := newEnv(t)
	buyer, seller := uuid.New(), uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 1000)
	storagetest.Fund(t, e.store, seller, "BTC", 5)
	buy := e.place(t, buyer, ledger.SideBuy, 100, 5)
	sell := e.place(t, seller, ledger.SideSell, 100, 5)

	push(t, e.events, tradeJSON("t-1", "100", "0", buy.ID, sell.ID))
	processOne(t, e.eventWorker())

	assertStats(t, e.events, 0, 0, 1)
	if reason := deadLetterReason(t, e.events); reason != "malformed" {
		t.Fatalf("expected malformed reason, got %s", reason)
	}
	storagetest.AssertBalance(t, e.store, buyer, "USD", 500, 500)
	storagetest.AssertBalance(t, e.store, seller, "BTC", 0, 5)
}

func TestGarbageAndUnknownEventsAreDeadLettered(t *testing.T) {
	e := newEnv(t)
	push(t, e.events, `not json`)
	push(t, e.events, `{"type":"Heartbeat","payload":{}}`)
	push(t, e.events, `{"type":"Trade","payload":{"id":"t-9","price":"1.5","quantity":"1","makerOrderId":"x","takerOrderId":"y"}}`)
	w := e.eventWorker()
	for i := 0; i < 3; i++ {
		processOne(t, w)
	}

	assertStats(t, e.events, 0, 0, 3)
	records, err := e.events.DeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	for _, r := range records {
		if r.Reason != "malformed" || r.Attempts != 1 {
			t.Fatalf("unexpected dead letter: %+v", r)
		}
	}
}

func TestOverfillIsDeadLetteredAndAlerted(t *testing.T) {
	e := newEnv(t)
	buyer, seller := uuid.New(), uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 1000)
	storagetest.Fund(t, e.store, seller, "BTC", 10)
	buy := e.place(t, buyer, ledger.SideBuy, 100, 5)
	sell := e.place(t, seller, ledger.SideSell, 100, 10)

	push(t, e.events, tradeJSON("t-1", "100", "6", sell.ID, buy.ID))
	processOne(t, e.eventWorker())

	if reason := deadLetterReason(t, e.events); reason != "integrity" {
		t.Fatalf("expected integrity reason, got %s", reason)
	}
	if n := e.publisher.count("ledger.alerts"); n != 1 {
		t.Fatalf("expected an alert, got %d", n)
	}
	storagetest.AssertBalance(t, e.store, buyer, "USD", 500, 500)
	storagetest.AssertBalance(t, e.store, seller, "BTC", 0, 10)
}

func TestOrderProcessedFailureReleasesFunds(t *testing.T) {
	e := newEnv(t)
	buyer := uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 1000)
	buy := e.place(t, buyer, ledger.SideBuy, 100, 5)

	push(t, e.events, fmt.Sprintf(`{"type":"OrderProcessed","payload":{"orderId":%q,"status":"FAILURE","reason":"book closed"}}`, buy.ID))
	processOne(t, e.eventWorker())

	assertStats(t, e.events, 0, 0, 0)
	storagetest.AssertBalance(t, e.store, buyer, "USD", 1000, 0)
	o, err := e.store.GetOrder(context.Background(), buy.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != ledger.StatusCanceled || o.CancelReason != ledger.CancelReasonEngineRejected {
		t.Fatalf("unexpected order: %+v", o)
	}
}

func TestPlaceOrderRequestEmitsCommand(t *testing.T) {
	e := newEnv(t)
	buyer := uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 1000)

	push(t, e.requests, fmt.Sprintf(`{"command":"PlaceOrder","payload":{"user_id":%q,"side":"buy","order_type":"limit","price":"100","quantity":"5","client_order_id":"abc"}}`, buyer))
	processOne(t, e.requestWorker())

	assertStats(t, e.requests, 0, 0, 0)
	storagetest.AssertBalance(t, e.store, buyer, "USD", 500, 500)
	commands, err := e.redis.List("orderbook:orders:BTC_USD")
	if err != nil || len(commands) != 1 {
		t.Fatalf("expected one engine command, got %v (%v)", commands, err)
	}
	var cmd struct {
		Command string            `json:"command"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal([]byte(commands[0]), &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.Command != "NewOrder" || cmd.Payload["client_order_id"] != "abc" || cmd.Payload["price"] != "100" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestRejectedRequestsAreAckedAndPublished(t *testing.T) {
	e := newEnv(t)
	buyer := uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 100)

	push(t, e.requests, fmt.Sprintf(`{"command":"PlaceOrder","payload":{"user_id":%q,"side":"buy","order_type":"limit","price":"100","quantity":"5"}}`, buyer))
	push(t, e.requests, fmt.Sprintf(`{"command":"CancelOrder","payload":{"order_id":%q,"user_id":%q}}`, uuid.New(), buyer))
	push(t, e.requests, fmt.Sprintf(`{"command":"PlaceOrder","payload":{"user_id":%q,"side":"up","order_type":"limit","price":"100","quantity":"5"}}`, buyer))
	w := e.requestWorker()
	for i := 0; i < 3; i++ {
		processOne(t, w)
	}

	assertStats(t, e.requests, 0, 0, 0)
	if n := e.publisher.count("orders.rejected"); n != 3 {
		t.Fatalf("expected three rejections, got %d", n)
	}
	storagetest.AssertBalance(t, e.store, buyer, "USD", 100, 0)
}

func TestRedeliveredPlaceRequestLocksOnce(t *testing.T) {
	e := newEnv(t)
	buyer := uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 1000)

	body := fmt.Sprintf(`{"command":"PlaceOrder","payload":{"user_id":%q,"side":"buy","order_type":"limit","price":"100","quantity":"5"}}`, buyer)
	push(t, e.requests, body)
	push(t, e.requests, body)
	w := e.requestWorker()
	processOne(t, w)
	processOne(t, w)

	assertStats(t, e.requests, 0, 0, 0)
	storagetest.AssertBalance(t, e.store, buyer, "USD", 500, 500)
	orders, err := e.store.ListOrders(context.Background(), storage.OrderFilter{UserID: buyer})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 || orders[0].ClientOrderID == "" {
		t.Fatalf("expected one order with a derived client order id, got %+v", orders)
	}
	commands, err := e.redis.List("orderbook:orders:BTC_USD")
	if err != nil || len(commands) != 1 {
		t.Fatalf("expected one engine command, got %v (%v)", commands, err)
	}

	// A different body is a different order.
	push(t, e.requests, fmt.Sprintf(`{"command":"PlaceOrder","payload":{"user_id":%q,"side":"buy","order_type":"limit","price":"100","quantity":"4"}}`, buyer))
	processOne(t, w)
	storagetest.AssertBalance(t, e.store, buyer, "USD", 100, 900)
}

func TestOversizedPlaceRequestIsRejected(t *testing.T) {
	e := newEnv(t)
	buyer := uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 1000)

	push(t, e.requests, fmt.Sprintf(`{"command":"PlaceOrder","payload":{"user_id":%q,"side":"buy","order_type":"limit","price":"1000000","quantity":"10000000000000"}}`, buyer))
	processOne(t, e.requestWorker())

	assertStats(t, e.requests, 0, 0, 0)
	if n := e.publisher.count("orders.rejected"); n != 1 {
		t.Fatalf("expected one rejection, got %d", n)
	}
	storagetest.AssertBalance(t, e.store, buyer, "USD", 1000, 0)
}

func TestMalformedRequestIsDeadLettered(t *testing.T) {
	e := newEnv(t)
	push(t, e.requests, `{"command":"Teleport","payload":{}}`)
	push(t, e.requests, `{"command":"CancelOrder","payload":{"order_id":"nope"}}`)
	w := e.requestWorker()
	processOne(t, w)
	processOne(t, w)

	assertStats(t, e.requests, 0, 0, 2)
}

type flakyLedger struct {
	Ledger
	mu    sync.Mutex
	calls int
	err   error
}

func (f *flakyLedger) ApplyTrade(context.Context, service.TradeEvent) (service.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return service.SettlementResult{}, f.err
}

func TestTransientErrorsAreRetriedThenDeadLettered(t *testing.T) {
	e := newEnv(t)
	fake := &flakyLedger{err: errors.New("database is locked")}
	w := redisq.NewWorker(e.events, NewEventHandler("BTC_USD", fake, nil), workerCfg, nil, nil)

	push(t, e.events, tradeJSON("t-1", "100", "1", uuid.New(), uuid.New()))
	processOne(t, w)

	if fake.calls != workerCfg.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", workerCfg.MaxAttempts, fake.calls)
	}
	if reason := deadLetterReason(t, e.events); reason != "retries_exhausted" {
		t.Fatalf("expected retries_exhausted, got %s", reason)
	}
}

func TestTradeForAnotherMarketIsMalformed(t *testing.T) {
	e := newEnv(t)
	fake := &flakyLedger{}
	w := redisq.NewWorker(e.events, NewEventHandler("BTC_USD", fake, nil), workerCfg, nil, nil)

	push(t, e.events, `{"type":"Trade","payload":{"id":"t-1","market":"ETH_USD","price":"1","quantity":"1","makerOrderId":"`+uuid.NewString()+`","takerOrderId":"`+uuid.NewString()+`"}}`)
	processOne(t, w)

	if fake.calls != 0 {
		t.Fatalf("ledger must not be called")
	}
	if reason := deadLetterReason(t, e.events); reason != "malformed" {
		t.Fatalf("expected malformed, got %s", reason)
	}
}

func TestSupervisorRunsUntilCancelled(t *testing.T) {
	e := newEnv(t)
	buyer, seller := uuid.New(), uuid.New()
	storagetest.Fund(t, e.store, buyer, "USD", 1000)
	storagetest.Fund(t, e.store, seller, "BTC", 5)
	buy := e.place(t, buyer, ledger.SideBuy, 100, 5)
	sell := e.place(t, seller, ledger.SideSell, 100, 5)

	sup, err := NewSupervisor(e.client, e.svc, e.notifier, SupervisorConfig{
		Markets:         []string{"BTC_USD"},
		EventsPrefix:    "engine:events:",
		RequestsPrefix:  "orders:requests:",
		Worker:          workerCfg,
		ReclaimInterval: time.Hour,
	}, nil, nil)
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	if qs, ok := sup.Queues("BTC_USD"); !ok || len(qs) != 2 {
		t.Fatalf("expected two queues for BTC_USD")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	push(t, e.events, tradeJSON("t-1", "100", "5", buy.ID, sell.ID))
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := e.store.GetTrade(context.Background(), "t-1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("trade was not settled in time")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not stop")
	}
	storagetest.AssertBalance(t, e.store, buyer, "BTC", 5, 0)
}

func TestNewSupervisorRequiresMarkets(t *testing.T) {
	e := newEnv(t)
	if _, err := NewSupervisor(e.client, e.svc, nil, SupervisorConfig{}, nil, nil); err == nil {
		t.Fatalf("expected error without markets")
	}
}
