package ledger

import (
	"time"

	"github.com/google/uuid"
)

type Trade struct {
	ID          string
	Market      string
	Price       int64
	Quantity    int64
	TakerSide   Side
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Fee         int64
	FeeAsset    string
	ExecutedAt  time.Time
	CreatedAt   time.Time
}

// Value is the quote notional of the trade.
func (t Trade) Value() (int64, error) {
	return Mul(t.Price, t.Quantity)
}
