package storage

import (
	"context"
	_ "embed"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateOrder = errors.New("duplicate client order id")
	ErrDuplicateTrade = errors.New("duplicate trade id")
)

//go:embed schema/postgres.sql
var postgresSchema string

//go:embed schema/sqlite.sql
var sqliteSchema string

// Tx is the set of row-level operations available inside one database
// transaction. Orders must be locked before balances.
type Tx interface {
	GetMarket(ctx context.Context, symbol string) (ledger.Market, error)
	LastTradePrice(ctx context.Context, market string) (int64, bool, error)

	// LockBalances locks the given balance rows in key order, creating
	// zero rows for keys that do not exist yet.
	LockBalances(ctx context.Context, keys []ledger.BalanceKey) (map[ledger.BalanceKey]*ledger.Balance, error)
	SaveBalances(ctx context.Context, balances ...*ledger.Balance) error

	// LockOrders locks the given orders in id order. A missing id yields
	// ledger.ErrOrderNotFound.
	LockOrders(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*ledger.Order, error)
	FindOrderByClientID(ctx context.Context, userID uuid.UUID, clientOrderID string) (*ledger.Order, error)
	InsertOrder(ctx context.Context, order *ledger.Order) error
	UpdateOrder(ctx context.Context, order *ledger.Order) error

	TradeExists(ctx context.Context, id string) (bool, error)
	InsertTrade(ctx context.Context, trade *ledger.Trade) error
}

type OrderFilter struct {
	UserID uuid.UUID
	Market string
	Status ledger.OrderStatus
	Before *time.Time
	Limit  int
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func sortedKeys(keys []ledger.BalanceKey) []ledger.BalanceKey {
	seen := make(map[ledger.BalanceKey]struct{}, len(keys))
	out := make([]ledger.BalanceKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func sortedIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func splitStatements(schema string) []string {
	parts := strings.Split(schema, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
