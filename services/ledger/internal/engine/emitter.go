// Package engine sends commands to the matching engine through its Redis
// order and cancel queues.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/iamBhanuRathore/off-chain-orderbook/libs/redisq"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/redis/go-redis/v9"
)

const (
	CommandNewOrder    = "NewOrder"
	CommandCancelOrder = "CancelOrder"
)

type Command struct {
	Command string `json:"command"`
	Payload any    `json:"payload"`
}

// NewOrderPayload carries amounts as decimal strings of integer minor units.
// Price is "0" for orders without a limit price; ProtectionPrice is the
// price the quote reservation was sized with.
type NewOrderPayload struct {
	OrderID         string `json:"order_id"`
	UserID          string `json:"user_id"`
	Market          string `json:"market"`
	OrderType       string `json:"order_type"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	StopPrice       string `json:"stop_price,omitempty"`
	ProtectionPrice string `json:"protection_price,omitempty"`
	Quantity        string `json:"quantity"`
	ClientOrderID   string `json:"client_order_id"`
}

type CancelOrderPayload struct {
	OrderID string `json:"order_id"`
	Market  string `json:"market"`
}

type Emitter struct {
	client       redis.UniversalClient
	orderPrefix  string
	cancelPrefix string

	mu     sync.Mutex
	queues map[string]*redisq.Queue
}

func NewEmitter(client redis.UniversalClient, orderPrefix, cancelPrefix string) *Emitter {
	return &Emitter{
		client:       client,
		orderPrefix:  orderPrefix,
		cancelPrefix: cancelPrefix,
		queues:       make(map[string]*redisq.Queue),
	}
}

func (e *Emitter) queue(name string) *redisq.Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[name]
	if !ok {
		q = redisq.New(e.client, name)
		e.queues[name] = q
	}
	return q
}

func (e *Emitter) OrderQueue(market string) string  { return e.orderPrefix + market }
func (e *Emitter) CancelQueue(market string) string { return e.cancelPrefix + market }

func (e *Emitter) NewOrder(ctx context.Context, order *ledger.Order) error {
	cmd := Command{Command: CommandNewOrder, Payload: NewOrderPayloadFor(order)}
	if err := e.queue(e.OrderQueue(order.Market)).PushJSON(ctx, cmd); err != nil {
		return fmt.Errorf("emit new order %s: %w", order.ID, err)
	}
	return nil
}

func (e *Emitter) CancelOrder(ctx context.Context, order *ledger.Order) error {
	cmd := Command{Command: CommandCancelOrder, Payload: CancelOrderPayload{
		OrderID: order.ID.String(),
		Market:  order.Market,
	}}
	if err := e.queue(e.CancelQueue(order.Market)).PushJSON(ctx, cmd); err != nil {
		return fmt.Errorf("emit cancel order %s: %w", order.ID, err)
	}
	return nil
}

func NewOrderPayloadFor(order *ledger.Order) NewOrderPayload {
	p := NewOrderPayload{
		OrderID:       order.ID.String(),
		UserID:        order.UserID.String(),
		Market:        order.Market,
		OrderType:     string(order.Type),
		Side:          string(order.Side),
		Price:         "0",
		Quantity:      strconv.FormatInt(order.Quantity, 10),
		ClientOrderID: order.ClientOrderID,
	}
	if order.Price != nil {
		p.Price = strconv.FormatInt(*order.Price, 10)
	}
	if order.StopPrice != nil {
		p.StopPrice = strconv.FormatInt(*order.StopPrice, 10)
	}
	if order.LockPrice > 0 {
		p.ProtectionPrice = strconv.FormatInt(order.LockPrice, 10)
	}
	return p
}
