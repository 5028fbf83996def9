package ledger

import "fmt"

// Market is read-only reference data. A zero max bound means unbounded and
// zero tick or step sizes disable the granularity check.
type Market struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	MinPrice    int64
	MaxPrice    int64
	TickSize    int64
	MinQuantity int64
	MaxQuantity int64
	StepSize    int64
	MakerFeeBps int64
	TakerFeeBps int64
	Enabled     bool
}

func (m Market) ValidatePrice(price int64) error {
	if price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	if price < m.MinPrice {
		return fmt.Errorf("%w: price %d below minimum %d", ErrInvalidOrder, price, m.MinPrice)
	}
	if m.MaxPrice > 0 && price > m.MaxPrice {
		return fmt.Errorf("%w: price %d above maximum %d", ErrInvalidOrder, price, m.MaxPrice)
	}
	if m.TickSize > 0 && price%m.TickSize != 0 {
		return fmt.Errorf("%w: price %d not a multiple of tick size %d", ErrInvalidOrder, price, m.TickSize)
	}
	return nil
}

func (m Market) ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if quantity < m.MinQuantity {
		return fmt.Errorf("%w: quantity %d below minimum %d", ErrInvalidOrder, quantity, m.MinQuantity)
	}
	if m.MaxQuantity > 0 && quantity > m.MaxQuantity {
		return fmt.Errorf("%w: quantity %d above maximum %d", ErrInvalidOrder, quantity, m.MaxQuantity)
	}
	if m.StepSize > 0 && quantity%m.StepSize != 0 {
		return fmt.Errorf("%w: quantity %d not a multiple of step size %d", ErrInvalidOrder, quantity, m.StepSize)
	}
	return nil
}

// FeeBps returns the fee rate for the given liquidity role.
func (m Market) FeeBps(maker bool) int64 {
	if maker {
		return m.MakerFeeBps
	}
	return m.TakerFeeBps
}
