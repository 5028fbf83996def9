package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLite is the embedded store used for local runs and tests. It holds a
// single connection, so transactions are serialized in-process and
// timestamps are kept as unix nanoseconds.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(path) == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_mode = WAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(sqliteSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite close failed", "error", err)
	}
}

func (s *SQLite) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLite) GetMarket(ctx context.Context, symbol string) (ledger.Market, error) {
	return sqliteGetMarket(ctx, s.db, symbol)
}

func (s *SQLite) ListMarkets(ctx context.Context) ([]ledger.Market, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []ledger.Market
	for rows.Next() {
		m, err := scanSQLiteMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *SQLite) ListAssets(ctx context.Context) ([]ledger.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, decimals FROM assets ORDER BY symbol`)
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

func (s *SQLite) UpsertAsset(ctx context.Context, asset ledger.Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (symbol, decimals) VALUES (?, ?)
		ON CONFLICT (symbol) DO UPDATE SET decimals = excluded.decimals
	`, asset.Symbol, asset.Decimals)
	return err
}

func (s *SQLite) UpsertMarket(ctx context.Context, m ledger.Market) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets (`+marketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			base_asset = excluded.base_asset,
			quote_asset = excluded.quote_asset,
			min_price = excluded.min_price,
			max_price = excluded.max_price,
			tick_size = excluded.tick_size,
			min_quantity = excluded.min_quantity,
			max_quantity = excluded.max_quantity,
			step_size = excluded.step_size,
			maker_fee_bps = excluded.maker_fee_bps,
			taker_fee_bps = excluded.taker_fee_bps,
			enabled = excluded.enabled
	`, m.Symbol, m.BaseAsset, m.QuoteAsset, m.MinPrice, m.MaxPrice, m.TickSize, m.MinQuantity, m.MaxQuantity,
		m.StepSize, m.MakerFeeBps, m.TakerFeeBps, m.Enabled)
	return err
}

func (s *SQLite) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (ledger.Balance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, asset, available, locked, updated_at
		FROM balances
		WHERE user_id = ? AND asset = ?
	`, userID.String(), asset)
	b, err := scanSQLiteBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Balance{UserID: userID, Asset: asset}, nil
		}
		return ledger.Balance{}, err
	}
	return *b, nil
}

func (s *SQLite) ListBalances(ctx context.Context, userID uuid.UUID) ([]ledger.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, asset, available, locked, updated_at
		FROM balances
		WHERE user_id = ?
		ORDER BY asset
	`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []ledger.Balance
	for rows.Next() {
		b, err := scanSQLiteBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, *b)
	}
	return balances, rows.Err()
}

func (s *SQLite) GetOrder(ctx context.Context, id uuid.UUID) (*ledger.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id.String())
	order, err := scanSQLiteOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, id)
		}
		return nil, err
	}
	return order, nil
}

func (s *SQLite) ListOrders(ctx context.Context, filter OrderFilter) ([]ledger.Order, error) {
	clauses := []string{"user_id = ?"}
	args := []any{filter.UserID.String()}
	if filter.Market != "" {
		clauses = append(clauses, "market = ?")
		args = append(args, filter.Market)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Before != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, toNanos(*filter.Before))
	}
	args = append(args, normalizeLimit(filter.Limit))
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`,
		orderColumns, strings.Join(clauses, " AND "))

	return s.queryOrders(ctx, query, args...)
}

func (s *SQLite) ListUnsubmitted(ctx context.Context, before time.Time, limit int) ([]ledger.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE submitted_at IS NULL AND acknowledged_at IS NULL
			AND status IN ('Open', 'PartiallyFilled') AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`, toNanos(before), normalizeLimit(limit))
}

func (s *SQLite) ListUnsentCancels(ctx context.Context, before time.Time, limit int) ([]ledger.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'Canceled' AND cancel_submitted_at IS NULL AND cancel_reason = ? AND canceled_at < ?
		ORDER BY canceled_at
		LIMIT ?
	`, ledger.CancelReasonUser, toNanos(before), normalizeLimit(limit))
}

func (s *SQLite) queryOrders(ctx context.Context, query string, args ...any) ([]ledger.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []ledger.Order
	for rows.Next() {
		order, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (s *SQLite) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET submitted_at = ?
		WHERE id = ? AND submitted_at IS NULL
	`, toNanos(at), id.String())
	return err
}

func (s *SQLite) MarkCancelSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET cancel_submitted_at = ?
		WHERE id = ? AND cancel_submitted_at IS NULL
	`, toNanos(at), id.String())
	return err
}

func (s *SQLite) GetTrade(ctx context.Context, id string) (*ledger.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	trade, err := scanSQLiteTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: trade %s", ErrNotFound, id)
		}
		return nil, err
	}
	return trade, nil
}

func (s *SQLite) ListTrades(ctx context.Context, market string, limit int) ([]ledger.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE market = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?
	`, market, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []ledger.Trade
	for rows.Next() {
		trade, err := scanSQLiteTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetMarket(ctx context.Context, symbol string) (ledger.Market, error) {
	return sqliteGetMarket(ctx, t.tx, symbol)
}

func (t *sqliteTx) LastTradePrice(ctx context.Context, market string) (int64, bool, error) {
	var price int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT price FROM trades
		WHERE market = ?
		ORDER BY executed_at DESC, created_at DESC
		LIMIT 1
	`, market).Scan(&price)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return price, true, nil
}

func (t *sqliteTx) LockBalances(ctx context.Context, keys []ledger.BalanceKey) (map[ledger.BalanceKey]*ledger.Balance, error) {
	out := make(map[ledger.BalanceKey]*ledger.Balance, len(keys))
	now := toNanos(time.Now())
	for _, key := range sortedKeys(keys) {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO balances (user_id, asset, available, locked, updated_at)
			VALUES (?, ?, 0, 0, ?)
			ON CONFLICT (user_id, asset) DO NOTHING
		`, key.UserID.String(), key.Asset, now); err != nil {
			return nil, fmt.Errorf("create balance %s: %w", key, err)
		}
		row := t.tx.QueryRowContext(ctx, `
			SELECT user_id, asset, available, locked, updated_at
			FROM balances
			WHERE user_id = ? AND asset = ?
		`, key.UserID.String(), key.Asset)
		b, err := scanSQLiteBalance(row)
		if err != nil {
			return nil, fmt.Errorf("lock balance %s: %w", key, err)
		}
		out[key] = b
	}
	return out, nil
}

func (t *sqliteTx) SaveBalances(ctx context.Context, balances ...*ledger.Balance) error {
	now := time.Now().UTC()
	for _, b := range balances {
		if b.Available < 0 || b.Locked < 0 {
			return fmt.Errorf("%w: negative balance %s", ledger.ErrInvariantViolation, b.Key())
		}
		b.UpdatedAt = now
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE balances
			SET available = ?, locked = ?, updated_at = ?
			WHERE user_id = ? AND asset = ?
		`, b.Available, b.Locked, toNanos(now), b.UserID.String(), b.Asset); err != nil {
			return fmt.Errorf("save balance %s: %w", b.Key(), err)
		}
	}
	return nil
}

func (t *sqliteTx) LockOrders(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*ledger.Order, error) {
	out := make(map[uuid.UUID]*ledger.Order, len(ids))
	for _, id := range sortedIDs(ids) {
		row := t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id.String())
		order, err := scanSQLiteOrder(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, id)
			}
			return nil, err
		}
		out[id] = order
	}
	return out, nil
}

func (t *sqliteTx) FindOrderByClientID(ctx context.Context, userID uuid.UUID, clientOrderID string) (*ledger.Order, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = ? AND client_order_id = ?
	`, userID.String(), clientOrderID)
	order, err := scanSQLiteOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (t *sqliteTx) InsertOrder(ctx context.Context, o *ledger.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID.String(), o.UserID.String(), o.Market, string(o.Side), string(o.Type),
		nullInt(o.Price), nullInt(o.StopPrice), o.LockPrice, o.Quantity, o.Filled, o.Remaining,
		string(o.Status), o.ClientOrderID, o.CancelReason,
		nullNanos(o.SubmittedAt), nullNanos(o.AcknowledgedAt), nullNanos(o.CanceledAt), nullNanos(o.CancelSubmittedAt),
		toNanos(o.CreatedAt), toNanos(o.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ClientOrderID)
		}
		return err
	}
	return nil
}

func (t *sqliteTx) UpdateOrder(ctx context.Context, o *ledger.Order) error {
	if o.Filled+o.Remaining != o.Quantity || o.Remaining < 0 {
		return fmt.Errorf("%w: order %s filled %d remaining %d quantity %d",
			ledger.ErrInvariantViolation, o.ID, o.Filled, o.Remaining, o.Quantity)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET filled = ?, remaining = ?, status = ?, cancel_reason = ?,
			acknowledged_at = ?, canceled_at = ?, updated_at = ?
		WHERE id = ?
	`, o.Filled, o.Remaining, string(o.Status), o.CancelReason,
		nullNanos(o.AcknowledgedAt), nullNanos(o.CanceledAt), toNanos(o.UpdatedAt), o.ID.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, o.ID)
	}
	return nil
}

func (t *sqliteTx) TradeExists(ctx context.Context, id string) (bool, error) {
	var exists int
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trades WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists == 1, nil
}

func (t *sqliteTx) InsertTrade(ctx context.Context, tr *ledger.Trade) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.Market, tr.Price, tr.Quantity, string(tr.TakerSide), tr.BuyOrderID.String(), tr.SellOrderID.String(),
		tr.BuyerID.String(), tr.SellerID.String(), tr.Fee, tr.FeeAsset, toNanos(tr.ExecutedAt), toNanos(tr.CreatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTrade, tr.ID)
		}
		return err
	}
	return nil
}

func sqliteGetMarket(ctx context.Context, q sqlQuerier, symbol string) (ledger.Market, error) {
	row := q.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE symbol = ?`, symbol)
	m, err := scanSQLiteMarket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Market{}, fmt.Errorf("%w: %s", ledger.ErrUnknownMarket, symbol)
		}
		return ledger.Market{}, err
	}
	return m, nil
}

func scanSQLiteMarket(row rowScanner) (ledger.Market, error) {
	var m ledger.Market
	err := row.Scan(&m.Symbol, &m.BaseAsset, &m.QuoteAsset, &m.MinPrice, &m.MaxPrice, &m.TickSize,
		&m.MinQuantity, &m.MaxQuantity, &m.StepSize, &m.MakerFeeBps, &m.TakerFeeBps, &m.Enabled)
	return m, err
}

func scanSQLiteBalance(row rowScanner) (*ledger.Balance, error) {
	var b ledger.Balance
	var userID string
	var updatedAt int64
	if err := row.Scan(&userID, &b.Asset, &b.Available, &b.Locked, &updatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("parse balance user id: %w", err)
	}
	b.UserID = id
	b.UpdatedAt = fromNanos(updatedAt)
	return &b, nil
}

func scanSQLiteOrder(row rowScanner) (*ledger.Order, error) {
	var (
		o                                 ledger.Order
		id, userID, side, typ, status     string
		price, stopPrice                  sql.NullInt64
		submitted, acknowledged, canceled sql.NullInt64
		cancelSubmitted                   sql.NullInt64
		createdAt, updatedAt              int64
	)
	if err := row.Scan(
		&id, &userID, &o.Market, &side, &typ, &price, &stopPrice, &o.LockPrice,
		&o.Quantity, &o.Filled, &o.Remaining, &status, &o.ClientOrderID, &o.CancelReason,
		&submitted, &acknowledged, &canceled, &cancelSubmitted, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse order id: %w", err)
	}
	if o.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parse order user id: %w", err)
	}
	o.Side = ledger.Side(side)
	o.Type = ledger.OrderType(typ)
	o.Status = ledger.OrderStatus(status)
	o.Price = intPtr(price)
	o.StopPrice = intPtr(stopPrice)
	o.SubmittedAt = timePtr(submitted)
	o.AcknowledgedAt = timePtr(acknowledged)
	o.CanceledAt = timePtr(canceled)
	o.CancelSubmittedAt = timePtr(cancelSubmitted)
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)
	return &o, nil
}

func scanSQLiteTrade(row rowScanner) (*ledger.Trade, error) {
	var (
		tr                                      ledger.Trade
		takerSide, buyID, sellID, buyer, seller string
		executedAt, createdAt                   int64
	)
	if err := row.Scan(&tr.ID, &tr.Market, &tr.Price, &tr.Quantity, &takerSide, &buyID, &sellID,
		&buyer, &seller, &tr.Fee, &tr.FeeAsset, &executedAt, &createdAt); err != nil {
		return nil, err
	}
	ids := []*uuid.UUID{&tr.BuyOrderID, &tr.SellOrderID, &tr.BuyerID, &tr.SellerID}
	for i, raw := range []string{buyID, sellID, buyer, seller} {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trade %s id: %w", tr.ID, err)
		}
		*ids[i] = parsed
	}
	tr.TakerSide = ledger.Side(takerSide)
	tr.ExecutedAt = fromNanos(executedAt)
	tr.CreatedAt = fromNanos(createdAt)
	return &tr, nil
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}
