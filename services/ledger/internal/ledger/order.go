package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: side %q", ErrInvalidOrder, raw)
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeLimit      OrderType = "Limit"
	OrderTypeMarket     OrderType = "Market"
	OrderTypeStopLimit  OrderType = "StopLimit"
	OrderTypeStopMarket OrderType = "StopMarket"
)

func ParseOrderType(raw string) (OrderType, error) {
	normalized := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(raw)))
	switch normalized {
	case "limit":
		return OrderTypeLimit, nil
	case "market":
		return OrderTypeMarket, nil
	case "stoplimit":
		return OrderTypeStopLimit, nil
	case "stopmarket":
		return OrderTypeStopMarket, nil
	default:
		return "", fmt.Errorf("%w: order type %q", ErrInvalidOrder, raw)
	}
}

// Priced reports whether the order carries a limit price.
func (t OrderType) Priced() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

func (t OrderType) Stop() bool {
	return t == OrderTypeStopLimit || t == OrderTypeStopMarket
}

type OrderStatus string

const (
	StatusOpen            OrderStatus = "Open"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCanceled        OrderStatus = "Canceled"
)

func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled
}

func ParseOrderStatus(raw string) (OrderStatus, error) {
	for _, s := range []OrderStatus{StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCanceled} {
		if strings.EqualFold(string(s), strings.TrimSpace(raw)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: status %q", ErrInvalidOrder, raw)
}

const (
	CancelReasonUser           = "user"
	CancelReasonEngine         = "engine"
	CancelReasonEngineRejected = "engine_rejected"
)

// Order tracks the lifecycle of one order. LockPrice is the per-unit quote
// price the buy-side reservation was sized with; for priced orders it equals
// Price.
type Order struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Market         string
	Side           Side
	Type           OrderType
	Price          *int64
	StopPrice      *int64
	LockPrice      int64
	Quantity       int64
	Filled         int64
	Remaining      int64
	Status         OrderStatus
	ClientOrderID  string
	CancelReason   string
	SubmittedAt    *time.Time
	AcknowledgedAt *time.Time
	CanceledAt     *time.Time
	// CancelSubmittedAt is set once the CancelOrder command for a user
	// cancel reached the engine queue.
	CancelSubmittedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewOrder builds an Open order with nothing filled.
func NewOrder(userID uuid.UUID, market string, side Side, typ OrderType, price, stopPrice *int64, lockPrice, quantity int64, clientOrderID string, now time.Time) (*Order, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}
	return &Order{
		ID:            uuid.New(),
		UserID:        userID,
		Market:        market,
		Side:          side,
		Type:          typ,
		Price:         price,
		StopPrice:     stopPrice,
		LockPrice:     lockPrice,
		Quantity:      quantity,
		Filled:        0,
		Remaining:     quantity,
		Status:        StatusOpen,
		ClientOrderID: clientOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// ApplyFill records an execution of qty units against the order.
func (o *Order) ApplyFill(qty int64, now time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("%w: fill quantity %d", ErrMalformedEvent, qty)
	}
	switch o.Status {
	case StatusCanceled:
		return fmt.Errorf("%w: %w: order %s", ErrFillOnCanceledOrder, ErrInvalidState, o.ID)
	case StatusFilled:
		return fmt.Errorf("%w: order %s already filled, fill %d", ErrOverfill, o.ID, qty)
	}
	if o.Remaining-qty < 0 {
		return fmt.Errorf("%w: order %s remaining %d, fill %d", ErrOverfill, o.ID, o.Remaining, qty)
	}
	o.Filled += qty
	o.Remaining -= qty
	if o.Remaining == 0 {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = now
	return nil
}

// Cancel moves a live order to Canceled and returns the quantity that was
// still outstanding.
func (o *Order) Cancel(reason string, now time.Time) (int64, error) {
	if o.Status != StatusOpen && o.Status != StatusPartiallyFilled {
		return 0, fmt.Errorf("%w: order %s is %s", ErrInvalidState, o.ID, o.Status)
	}
	remaining := o.Remaining
	o.Status = StatusCanceled
	o.CancelReason = reason
	o.CanceledAt = &now
	o.UpdatedAt = now
	return remaining, nil
}

// Reservation returns the asset and amount locked on behalf of qty units of
// this order: base units for a sell, LockPrice*qty quote units for a buy.
func (o *Order) Reservation(m Market, qty int64) (string, int64, error) {
	if o.Side == SideSell {
		return m.BaseAsset, qty, nil
	}
	amount, err := Mul(o.LockPrice, qty)
	if err != nil {
		return "", 0, err
	}
	return m.QuoteAsset, amount, nil
}

func (o *Order) Live() bool {
	return !o.Status.Terminal()
}

func (o *Order) Clone() *Order {
	c := *o
	return &c
}
