package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `id, user_id, market, side, type, price, stop_price, lock_price, quantity, filled, remaining,
	status, client_order_id, cancel_reason, submitted_at, acknowledged_at, canceled_at, cancel_submitted_at,
	created_at, updated_at`

const tradeColumns = `id, market, price, quantity, taker_side, buy_order_id, sell_order_id, buyer_id, seller_id,
	fee, fee_asset, executed_at, created_at`

const marketColumns = `symbol, base_asset, quote_asset, min_price, max_price, tick_size, min_quantity, max_quantity,
	step_size, maker_fee_bps, taker_fee_bps, enabled`

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(postgresSchema) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// WithTx runs fn inside a single read-committed transaction. Row locks taken
// through the Tx are held until fn returns.
func (s *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Postgres) GetMarket(ctx context.Context, symbol string) (ledger.Market, error) {
	return pgGetMarket(ctx, s.pool, symbol)
}

func (s *Postgres) ListMarkets(ctx context.Context) ([]ledger.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []ledger.Market
	for rows.Next() {
		m, err := scanPgMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *Postgres) ListAssets(ctx context.Context) ([]ledger.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, decimals FROM assets ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []ledger.Asset
	for rows.Next() {
		var a ledger.Asset
		if err := rows.Scan(&a.Symbol, &a.Decimals); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *Postgres) UpsertAsset(ctx context.Context, asset ledger.Asset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assets (symbol, decimals) VALUES ($1, $2)
		ON CONFLICT (symbol) DO UPDATE SET decimals = EXCLUDED.decimals
	`, asset.Symbol, asset.Decimals)
	return err
}

func (s *Postgres) UpsertMarket(ctx context.Context, m ledger.Market) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO markets (`+marketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol) DO UPDATE SET
			base_asset = EXCLUDED.base_asset,
			quote_asset = EXCLUDED.quote_asset,
			min_price = EXCLUDED.min_price,
			max_price = EXCLUDED.max_price,
			tick_size = EXCLUDED.tick_size,
			min_quantity = EXCLUDED.min_quantity,
			max_quantity = EXCLUDED.max_quantity,
			step_size = EXCLUDED.step_size,
			maker_fee_bps = EXCLUDED.maker_fee_bps,
			taker_fee_bps = EXCLUDED.taker_fee_bps,
			enabled = EXCLUDED.enabled
	`, m.Symbol, m.BaseAsset, m.QuoteAsset, m.MinPrice, m.MaxPrice, m.TickSize, m.MinQuantity, m.MaxQuantity,
		m.StepSize, m.MakerFeeBps, m.TakerFeeBps, m.Enabled)
	return err
}

// GetBalance reads a balance without locking. Missing rows read as zero.
func (s *Postgres) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (ledger.Balance, error) {
	var b ledger.Balance
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, asset, available, locked, updated_at
		FROM balances
		WHERE user_id = $1 AND asset = $2
	`, userID, asset)
	if err := row.Scan(&b.UserID, &b.Asset, &b.Available, &b.Locked, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{UserID: userID, Asset: asset}, nil
		}
		return ledger.Balance{}, err
	}
	return b, nil
}

func (s *Postgres) ListBalances(ctx context.Context, userID uuid.UUID) ([]ledger.Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, asset, available, locked, updated_at
		FROM balances
		WHERE user_id = $1
		ORDER BY asset
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []ledger.Balance
	for rows.Next() {
		var b ledger.Balance
		if err := rows.Scan(&b.UserID, &b.Asset, &b.Available, &b.Locked, &b.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (*ledger.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanPgOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, id)
		}
		return nil, err
	}
	return order, nil
}

func (s *Postgres) ListOrders(ctx context.Context, filter OrderFilter) ([]ledger.Order, error) {
	clauses := []string{"user_id = $1"}
	args := []any{filter.UserID}
	if filter.Market != "" {
		args = append(args, filter.Market)
		clauses = append(clauses, fmt.Sprintf("market = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", len(args)))
	}
	args = append(args, normalizeLimit(filter.Limit))
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		orderColumns, strings.Join(clauses, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []ledger.Order
	for rows.Next() {
		order, err := scanPgOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// ListUnsubmitted returns live orders whose NewOrder command was never
// confirmed as enqueued and that were created before the cutoff. Orders the
// engine already acknowledged are skipped.
func (s *Postgres) ListUnsubmitted(ctx context.Context, before time.Time, limit int) ([]ledger.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE submitted_at IS NULL AND acknowledged_at IS NULL
			AND status IN ('Open', 'PartiallyFilled') AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, normalizeLimit(limit))
}

// ListUnsentCancels returns orders canceled by their owner before the cutoff
// whose CancelOrder command never reached the engine queue.
func (s *Postgres) ListUnsentCancels(ctx context.Context, before time.Time, limit int) ([]ledger.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'Canceled' AND cancel_submitted_at IS NULL AND cancel_reason = $1 AND canceled_at < $2
		ORDER BY canceled_at
		LIMIT $3
	`, ledger.CancelReasonUser, before, normalizeLimit(limit))
}

func (s *Postgres) queryOrders(ctx context.Context, query string, args ...any) ([]ledger.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []ledger.Order
	for rows.Next() {
		order, err := scanPgOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (s *Postgres) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET submitted_at = $2
		WHERE id = $1 AND submitted_at IS NULL
	`, id, at)
	return err
}

func (s *Postgres) MarkCancelSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET cancel_submitted_at = $2
		WHERE id = $1 AND cancel_submitted_at IS NULL
	`, id, at)
	return err
}

func (s *Postgres) GetTrade(ctx context.Context, id string) (*ledger.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	trade, err := scanPgTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: trade %s", ErrNotFound, id)
		}
		return nil, err
	}
	return trade, nil
}

func (s *Postgres) ListTrades(ctx context.Context, market string, limit int) ([]ledger.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE market = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2
	`, market, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []ledger.Trade
	for rows.Next() {
		trade, err := scanPgTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetMarket(ctx context.Context, symbol string) (ledger.Market, error) {
	return pgGetMarket(ctx, t.tx, symbol)
}

func (t *pgTx) LastTradePrice(ctx context.Context, market string) (int64, bool, error) {
	var price int64
	err := t.tx.QueryRow(ctx, `
		SELECT price FROM trades
		WHERE market = $1
		ORDER BY executed_at DESC, created_at DESC
		LIMIT 1
	`, market).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return price, true, nil
}

func (t *pgTx) LockBalances(ctx context.Context, keys []ledger.BalanceKey) (map[ledger.BalanceKey]*ledger.Balance, error) {
	out := make(map[ledger.BalanceKey]*ledger.Balance, len(keys))
	for _, key := range sortedKeys(keys) {
		b, err := t.getOrCreateBalanceForUpdate(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = b
	}
	return out, nil
}

func (t *pgTx) getOrCreateBalanceForUpdate(ctx context.Context, key ledger.BalanceKey) (*ledger.Balance, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO balances (user_id, asset, available, locked, updated_at)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (user_id, asset) DO NOTHING
	`, key.UserID, key.Asset, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("create balance %s: %w", key, err)
	}

	var b ledger.Balance
	row := t.tx.QueryRow(ctx, `
		SELECT user_id, asset, available, locked, updated_at
		FROM balances
		WHERE user_id = $1 AND asset = $2
		FOR UPDATE
	`, key.UserID, key.Asset)
	if err := row.Scan(&b.UserID, &b.Asset, &b.Available, &b.Locked, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("lock balance %s: %w", key, err)
	}
	return &b, nil
}

func (t *pgTx) SaveBalances(ctx context.Context, balances ...*ledger.Balance) error {
	now := time.Now().UTC()
	for _, b := range balances {
		if b.Available < 0 || b.Locked < 0 {
			return fmt.Errorf("%w: negative balance %s", ledger.ErrInvariantViolation, b.Key())
		}
		b.UpdatedAt = now
		if _, err := t.tx.Exec(ctx, `
			UPDATE balances
			SET available = $3, locked = $4, updated_at = $5
			WHERE user_id = $1 AND asset = $2
		`, b.UserID, b.Asset, b.Available, b.Locked, now); err != nil {
			return fmt.Errorf("save balance %s: %w", b.Key(), err)
		}
	}
	return nil
}

func (t *pgTx) LockOrders(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*ledger.Order, error) {
	out := make(map[uuid.UUID]*ledger.Order, len(ids))
	for _, id := range sortedIDs(ids) {
		row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
		order, err := scanPgOrder(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, id)
			}
			return nil, err
		}
		out[id] = order
	}
	return out, nil
}

func (t *pgTx) FindOrderByClientID(ctx context.Context, userID uuid.UUID, clientOrderID string) (*ledger.Order, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1 AND client_order_id = $2
	`, userID, clientOrderID)
	order, err := scanPgOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *ledger.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, o.ID, o.UserID, o.Market, string(o.Side), string(o.Type), o.Price, o.StopPrice, o.LockPrice,
		o.Quantity, o.Filled, o.Remaining, string(o.Status), o.ClientOrderID, o.CancelReason,
		o.SubmittedAt, o.AcknowledgedAt, o.CanceledAt, o.CancelSubmittedAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ClientOrderID)
		}
		return err
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *ledger.Order) error {
	if o.Filled+o.Remaining != o.Quantity || o.Remaining < 0 {
		return fmt.Errorf("%w: order %s filled %d remaining %d quantity %d",
			ledger.ErrInvariantViolation, o.ID, o.Filled, o.Remaining, o.Quantity)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET filled = $2, remaining = $3, status = $4, cancel_reason = $5,
			acknowledged_at = $6, canceled_at = $7, updated_at = $8
		WHERE id = $1
	`, o.ID, o.Filled, o.Remaining, string(o.Status), o.CancelReason, o.AcknowledgedAt, o.CanceledAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, o.ID)
	}
	return nil
}

func (t *pgTx) TradeExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *ledger.Trade) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tr.ID, tr.Market, tr.Price, tr.Quantity, string(tr.TakerSide), tr.BuyOrderID, tr.SellOrderID,
		tr.BuyerID, tr.SellerID, tr.Fee, tr.FeeAsset, tr.ExecutedAt, tr.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTrade, tr.ID)
		}
		return err
	}
	return nil
}

func pgGetMarket(ctx context.Context, q pgQuerier, symbol string) (ledger.Market, error) {
	row := q.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE symbol = $1`, symbol)
	m, err := scanPgMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Market{}, fmt.Errorf("%w: %s", ledger.ErrUnknownMarket, symbol)
		}
		return ledger.Market{}, err
	}
	return m, nil
}

func scanPgMarket(row pgx.Row) (ledger.Market, error) {
	var m ledger.Market
	err := row.Scan(&m.Symbol, &m.BaseAsset, &m.QuoteAsset, &m.MinPrice, &m.MaxPrice, &m.TickSize,
		&m.MinQuantity, &m.MaxQuantity, &m.StepSize, &m.MakerFeeBps, &m.TakerFeeBps, &m.Enabled)
	return m, err
}

func scanPgOrder(row pgx.Row) (*ledger.Order, error) {
	var o ledger.Order
	var side, typ, status string
	if err := row.Scan(
		&o.ID, &o.UserID, &o.Market, &side, &typ, &o.Price, &o.StopPrice, &o.LockPrice,
		&o.Quantity, &o.Filled, &o.Remaining, &status, &o.ClientOrderID, &o.CancelReason,
		&o.SubmittedAt, &o.AcknowledgedAt, &o.CanceledAt, &o.CancelSubmittedAt, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.Side = ledger.Side(side)
	o.Type = ledger.OrderType(typ)
	o.Status = ledger.OrderStatus(status)
	return &o, nil
}

func scanPgTrade(row pgx.Row) (*ledger.Trade, error) {
	var tr ledger.Trade
	var takerSide string
	if err := row.Scan(&tr.ID, &tr.Market, &tr.Price, &tr.Quantity, &takerSide, &tr.BuyOrderID, &tr.SellOrderID,
		&tr.BuyerID, &tr.SellerID, &tr.Fee, &tr.FeeAsset, &tr.ExecutedAt, &tr.CreatedAt); err != nil {
		return nil, err
	}
	tr.TakerSide = ledger.Side(takerSide)
	return &tr, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
