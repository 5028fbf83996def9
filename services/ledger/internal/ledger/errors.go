package ledger

import "errors"

// User errors are rejected back to the requester and never touch state.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownMarket     = errors.New("unknown market")
	ErrInvalidState      = errors.New("invalid order state")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrPriceUnavailable  = errors.New("no reference price for market order")
)

// Integrity errors mean the ledger and the engine disagree. They are
// dead-lettered and alerted, never retried.
var (
	ErrOverfill            = errors.New("order overfill")
	ErrNegativeRefund      = errors.New("negative refund")
	ErrInvariantViolation  = errors.New("ledger invariant violation")
	ErrFillOnCanceledOrder = errors.New("fill on canceled order")
	ErrOrderNotFound       = errors.New("order not found")
)

var ErrMalformedEvent = errors.New("malformed event")

// ErrAmountOverflow means an amount does not fit in int64 minor units. It is
// handled as malformed unless the caller knows the amount came from a client
// request.
var ErrAmountOverflow = errors.New("amount overflow")

type Class string

const (
	ClassUser      Class = "user"
	ClassIntegrity Class = "integrity"
	ClassMalformed Class = "malformed"
	ClassTransient Class = "transient"
)

var (
	userErrors      = []error{ErrInsufficientFunds, ErrUnknownMarket, ErrInvalidState, ErrInvalidOrder, ErrInvalidAmount, ErrPriceUnavailable}
	integrityErrors = []error{ErrOverfill, ErrNegativeRefund, ErrInvariantViolation, ErrFillOnCanceledOrder, ErrOrderNotFound}
)

// Classify maps an error onto the handling taxonomy used by the ingestion
// workers. Malformed wins over everything else, and unknown errors are
// treated as transient.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrAmountOverflow) {
		return ClassMalformed
	}
	for _, target := range integrityErrors {
		if errors.Is(err, target) {
			return ClassIntegrity
		}
	}
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return ClassUser
		}
	}
	return ClassTransient
}

func IsUserError(err error) bool {
	return Classify(err) == ClassUser
}

func IsIntegrityError(err error) bool {
	return Classify(err) == ClassIntegrity
}
