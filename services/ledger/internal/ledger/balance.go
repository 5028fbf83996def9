package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Asset struct {
	Symbol   string
	Decimals int32
}

type BalanceKey struct {
	UserID uuid.UUID
	Asset  string
}

func (k BalanceKey) String() string {
	return k.UserID.String() + ":" + k.Asset
}

// Less orders keys for deterministic row locking.
func (k BalanceKey) Less(other BalanceKey) bool {
	if k.UserID != other.UserID {
		return k.UserID.String() < other.UserID.String()
	}
	return k.Asset < other.Asset
}

type Balance struct {
	UserID    uuid.UUID
	Asset     string
	Available int64
	Locked    int64
	UpdatedAt time.Time
}

func (b *Balance) Key() BalanceKey {
	return BalanceKey{UserID: b.UserID, Asset: b.Asset}
}

func (b *Balance) Total() int64 {
	return b.Available + b.Locked
}

// Lock moves amount from available to locked.
func (b *Balance) Lock(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: lock %d %s", ErrInvalidAmount, amount, b.Asset)
	}
	if b.Available < amount {
		return fmt.Errorf("%w: user %s asset %s available %d, required %d", ErrInsufficientFunds, b.UserID, b.Asset, b.Available, amount)
	}
	b.Available -= amount
	b.Locked += amount
	return nil
}

// Unlock moves amount from locked back to available.
func (b *Balance) Unlock(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: unlock negative amount %d", ErrInvariantViolation, amount)
	}
	if b.Locked < amount {
		return fmt.Errorf("%w: user %s asset %s locked %d, unlock %d", ErrInvariantViolation, b.UserID, b.Asset, b.Locked, amount)
	}
	b.Locked -= amount
	b.Available += amount
	return nil
}

// DebitLocked removes amount from locked funds; it leaves the account.
func (b *Balance) DebitLocked(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: debit negative amount %d", ErrInvariantViolation, amount)
	}
	if b.Locked < amount {
		return fmt.Errorf("%w: user %s asset %s locked %d, debit %d", ErrInvariantViolation, b.UserID, b.Asset, b.Locked, amount)
	}
	b.Locked -= amount
	return nil
}

// Credit adds amount to available funds.
func (b *Balance) Credit(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: credit negative amount %d", ErrInvariantViolation, amount)
	}
	if b.Available > (1<<63-1)-amount {
		return fmt.Errorf("%w: available overflow for user %s asset %s", ErrInvariantViolation, b.UserID, b.Asset)
	}
	b.Available += amount
	return nil
}
