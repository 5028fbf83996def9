package ledger

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testMarket() Market {
	return Market{
		Symbol:      "BTC_USD",
		BaseAsset:   "BTC",
		QuoteAsset:  "USD",
		MinPrice:    1,
		MaxPrice:    1_000_000,
		TickSize:    1,
		MinQuantity: 1,
		StepSize:    1,
		Enabled:     true,
	}
}

func TestBalanceLock(t *testing.T) {
	b := &Balance{UserID: uuid.New(), Asset: "USD", Available: 1000}
	if err := b.Lock(400); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if b.Available != 600 || b.Locked != 400 {
		t.Fatalf("unexpected balance after lock: %+v", b)
	}
	if err := b.Lock(601); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if b.Available != 600 || b.Locked != 400 {
		t.Fatalf("failed lock must not mutate: %+v", b)
	}
	if err := b.Lock(0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBalanceLockExactAvailable(t *testing.T) {
	b := &Balance{Asset: "USD", Available: 100}
	if err := b.Lock(100); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if b.Available != 0 || b.Locked != 100 {
		t.Fatalf("unexpected balance: %+v", b)
	}
}

func TestBalanceUnlockBeyondLocked(t *testing.T) {
	b := &Balance{Asset: "USD", Available: 10, Locked: 5}
	if err := b.Unlock(6); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if err := b.Unlock(5); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if b.Available != 15 || b.Locked != 0 {
		t.Fatalf("unexpected balance: %+v", b)
	}
}

func TestBalanceSettle(t *testing.T) {
	b := &Balance{Asset: "BTC", Available: 0, Locked: 3}
	if err := b.DebitLocked(2); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := b.DebitLocked(2); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if err := b.Credit(7); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := b.Credit(-1); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation for negative credit, got %v", err)
	}
	if b.Available != 7 || b.Locked != 1 {
		t.Fatalf("unexpected balance: %+v", b)
	}
}

func TestOrderLifecycle(t *testing.T) {
	now := time.Now()
	price := int64(100)
	o, err := NewOrder(uuid.New(), "BTC_USD", SideBuy, OrderTypeLimit, &price, nil, price, 10, "", now)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	if o.Status != StatusOpen || o.Remaining != 10 || o.Filled != 0 || o.ClientOrderID == "" {
		t.Fatalf("unexpected new order: %+v", o)
	}

	if err := o.ApplyFill(4, now); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if o.Status != StatusPartiallyFilled || o.Filled != 4 || o.Remaining != 6 {
		t.Fatalf("unexpected partial order: %+v", o)
	}

	if err := o.ApplyFill(7, now); !errors.Is(err, ErrOverfill) {
		t.Fatalf("expected ErrOverfill, got %v", err)
	}
	if o.Filled+o.Remaining != o.Quantity {
		t.Fatalf("quantity invariant broken: %+v", o)
	}

	if err := o.ApplyFill(6, now); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if o.Status != StatusFilled || o.Remaining != 0 {
		t.Fatalf("expected filled order, got %+v", o)
	}
	if err := o.ApplyFill(1, now); !errors.Is(err, ErrOverfill) {
		t.Fatalf("expected ErrOverfill on filled order, got %v", err)
	}
	if _, err := o.Cancel(CancelReasonUser, now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling filled order, got %v", err)
	}
}

func TestOrderCancel(t *testing.T) {
	now := time.Now()
	o, _ := NewOrder(uuid.New(), "BTC_USD", SideSell, OrderTypeMarket, nil, nil, 0, 5, "c-1", now)
	_ = o.ApplyFill(2, now)

	remaining, err := o.Cancel(CancelReasonUser, now)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected remaining 3, got %d", remaining)
	}
	if o.Status != StatusCanceled || o.CanceledAt == nil {
		t.Fatalf("unexpected canceled order: %+v", o)
	}
	if _, err := o.Cancel(CancelReasonUser, now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	err = o.ApplyFill(1, now)
	if !errors.Is(err, ErrFillOnCanceledOrder) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected fill-on-canceled error, got %v", err)
	}
	if Classify(err) != ClassIntegrity {
		t.Fatalf("expected integrity class, got %s", Classify(err))
	}
}

func TestOrderApplyFillRejectsNonPositive(t *testing.T) {
	o, _ := NewOrder(uuid.New(), "BTC_USD", SideSell, OrderTypeLimit, nil, nil, 0, 5, "", time.Now())
	if err := o.ApplyFill(0, time.Now()); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestOrderReservation(t *testing.T) {
	m := testMarket()
	price := int64(150)
	buy, _ := NewOrder(uuid.New(), m.Symbol, SideBuy, OrderTypeLimit, &price, nil, price, 10, "", time.Now())
	asset, amount, err := buy.Reservation(m, 4)
	if err != nil {
		t.Fatalf("reservation: %v", err)
	}
	if asset != "USD" || amount != 600 {
		t.Fatalf("unexpected buy reservation %s %d", asset, amount)
	}

	sell, _ := NewOrder(uuid.New(), m.Symbol, SideSell, OrderTypeLimit, &price, nil, price, 10, "", time.Now())
	asset, amount, _ = sell.Reservation(m, 4)
	if asset != "BTC" || amount != 4 {
		t.Fatalf("unexpected sell reservation %s %d", asset, amount)
	}
}

func TestMarketValidation(t *testing.T) {
	m := testMarket()
	m.TickSize = 5
	m.StepSize = 2
	m.MaxQuantity = 100

	cases := []struct {
		name     string
		price    int64
		quantity int64
		wantErr  bool
	}{
		{name: "valid", price: 100, quantity: 10},
		{name: "off tick", price: 101, quantity: 10, wantErr: true},
		{name: "above max price", price: 2_000_000, quantity: 10, wantErr: true},
		{name: "off step", price: 100, quantity: 3, wantErr: true},
		{name: "above max quantity", price: 100, quantity: 102, wantErr: true},
		{name: "zero price", price: 0, quantity: 10, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.ValidatePrice(tc.price)
			if err == nil {
				err = m.ValidateQuantity(tc.quantity)
			}
			if tc.wantErr && !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("expected ErrInvalidOrder, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAmountHelpers(t *testing.T) {
	_, err := Mul(math.MaxInt64, 2)
	if !errors.Is(err, ErrAmountOverflow) || Classify(err) != ClassMalformed {
		t.Fatalf("expected overflow error classified as malformed, got %v", err)
	}
	if v, _ := Mul(150, 10); v != 1500 {
		t.Fatalf("expected 1500, got %d", v)
	}
	if fee, _ := ApplyBps(1500, 10); fee != 1 {
		t.Fatalf("expected fee 1, got %d", fee)
	}
	if fee, _ := ApplyBps(1500, 0); fee != 0 {
		t.Fatalf("expected zero fee, got %d", fee)
	}
	if v, _ := ScaleUpBps(100, 50); v != 101 {
		t.Fatalf("expected 101 (ceil of 100.5), got %d", v)
	}
	if v, _ := ScaleUpBps(200, 50); v != 201 {
		t.Fatalf("expected 201, got %d", v)
	}
}

func TestParseUnits(t *testing.T) {
	if v, err := ParseUnits("150"); err != nil || v != 150 {
		t.Fatalf("expected 150, got %d (%v)", v, err)
	}
	if v, err := ParseUnits("150.000"); err != nil || v != 150 {
		t.Fatalf("expected 150, got %d (%v)", v, err)
	}
	for _, raw := range []string{"", "abc", "1.5", "99999999999999999999"} {
		if _, err := ParseUnits(raw); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("expected ErrMalformedEvent for %q, got %v", raw, err)
		}
	}
	if got := FormatUnits(150000000, 8); got != "1.50000000" {
		t.Fatalf("unexpected formatted amount %s", got)
	}
}

func TestToUnits(t *testing.T) {
	got, err := ToUnits("1.5", 8)
	if err != nil || got != 150000000 {
		t.Fatalf("expected 150000000, got %d (%v)", got, err)
	}
	if got, err := ToUnits("100000", 6); err != nil || got != 100000000000 {
		t.Fatalf("expected 100000000000, got %d (%v)", got, err)
	}
	for _, raw := range []string{"0.0000001", "-1", "abc"} {
		if _, err := ToUnits(raw, 6); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%q: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
}

func TestFormatPrice(t *testing.T) {
	cases := []struct {
		price       int64
		base, quote int32
		want        string
	}{
		// 500 micro-USD per satoshi is 50000 USD per BTC.
		{price: 500, base: 8, quote: 6, want: "50000.000000"},
		{price: 3, base: 8, quote: 6, want: "300.000000"},
		{price: 1_500_000, base: 6, quote: 6, want: "1.500000"},
		{price: 25, base: 2, quote: 4, want: "0.250000"},
	}
	for _, c := range cases {
		if got := FormatPrice(c.price, c.base, c.quote); got != c.want {
			t.Fatalf("FormatPrice(%d, %d, %d): expected %s, got %s", c.price, c.base, c.quote, c.want, got)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := map[error]Class{
		fmt.Errorf("wrap: %w", ErrInsufficientFunds):   ClassUser,
		fmt.Errorf("wrap: %w", ErrNegativeRefund):      ClassIntegrity,
		fmt.Errorf("wrap: %w", ErrMalformedEvent):      ClassMalformed,
		errors.New("connection reset"):                 ClassTransient,
		fmt.Errorf("wrap: %w", ErrInvariantViolation):  ClassIntegrity,
		fmt.Errorf("wrap: %w", ErrFillOnCanceledOrder): ClassIntegrity,
	}
	for err, want := range cases {
		if got := Classify(err); got != want {
			t.Fatalf("classify(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestParseEnums(t *testing.T) {
	if s, err := ParseSide("BUY"); err != nil || s != SideBuy {
		t.Fatalf("parse side: %v %v", s, err)
	}
	if typ, err := ParseOrderType("stop_limit"); err != nil || typ != OrderTypeStopLimit {
		t.Fatalf("parse type: %v %v", typ, err)
	}
	if _, err := ParseOrderType("iceberg"); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}
