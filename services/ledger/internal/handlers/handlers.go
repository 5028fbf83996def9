package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/iamBhanuRathore/off-chain-orderbook/libs/redisq"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/ledger"
	"github.com/iamBhanuRathore/off-chain-orderbook/services/ledger/internal/storage"
)

type Reader interface {
	ListAssets(ctx context.Context) ([]ledger.Asset, error)
	GetMarket(ctx context.Context, symbol string) (ledger.Market, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]ledger.Balance, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*ledger.Order, error)
	ListOrders(ctx context.Context, filter storage.OrderFilter) ([]ledger.Order, error)
	GetTrade(ctx context.Context, id string) (*ledger.Trade, error)
	ListTrades(ctx context.Context, market string, limit int) ([]ledger.Trade, error)
}

// QueueAdmin resolves the ingestion queues of a market.
type QueueAdmin interface {
	Queues(market string) ([]*redisq.Queue, bool)
}

type Handler struct {
	Reader Reader
	Queues QueueAdmin
	Logger *slog.Logger
}

type balanceItem struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type orderItem struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	UserID        string  `json:"user_id"`
	Market        string  `json:"market"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Price         *string `json:"price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
	Quantity      string  `json:"quantity"`
	Filled        string  `json:"filled_quantity"`
	Remaining     string  `json:"remaining_quantity"`
	Status        string  `json:"status"`
	CancelReason  string  `json:"cancel_reason,omitempty"`
	Submitted     bool    `json:"submitted"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type tradeItem struct {
	TradeID     string `json:"trade_id"`
	Market      string `json:"market"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	TakerSide   string `json:"taker_side"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Fee         string `json:"fee"`
	FeeAsset    string `json:"fee_asset,omitempty"`
	ExecutedAt  string `json:"executed_at"`
}

type queueItem struct {
	Queue string `json:"queue"`
	redisq.Stats
}

type deadLetterItem struct {
	Queue     string `json:"queue"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts,omitempty"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(reader Reader, queues QueueAdmin, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Reader: reader, Queues: queues, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.GET("/users/:user_id/balances", h.ListBalances)
	v1.GET("/users/:user_id/orders", h.ListOrders)
	v1.GET("/orders/:id", h.GetOrder)
	v1.GET("/trades/:id", h.GetTrade)
	v1.GET("/markets/:symbol/trades", h.ListTrades)

	admin := r.Group("/admin")
	admin.GET("/queues/:market", h.QueueStats)
	admin.GET("/queues/:market/dead-letters", h.ListDeadLetters)
	admin.POST("/queues/:market/dead-letters/requeue", h.RequeueDeadLetters)
}

func (h *Handler) ListBalances(c *gin.Context) {
	userID, err := parseUUIDParam(c.Param("user_id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid user_id")
		return
	}
	ctx := c.Request.Context()
	balances, err := h.Reader.ListBalances(ctx, userID)
	if err != nil {
		h.internalError(c, "list balances failed", err)
		return
	}
	decimals, err := h.assetDecimals(ctx)
	if err != nil {
		h.internalError(c, "list assets failed", err)
		return
	}

	items := make([]balanceItem, 0, len(balances))
	for _, b := range balances {
		d := decimals[b.Asset]
		item := balanceItem{
			Asset:     b.Asset,
			Available: ledger.FormatUnits(b.Available, d),
			Locked:    ledger.FormatUnits(b.Locked, d),
			Total:     ledger.FormatUnits(b.Total(), d),
		}
		if !b.UpdatedAt.IsZero() {
			item.UpdatedAt = b.UpdatedAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balances": items})
}

func (h *Handler) ListOrders(c *gin.Context) {
	userID, err := parseUUIDParam(c.Param("user_id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid user_id")
		return
	}

	filter := storage.OrderFilter{
		UserID: userID,
		Market: strings.TrimSpace(c.Query("market")),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := ledger.ParseOrderStatus(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid status")
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid before")
			return
		}
		filter.Before = &parsed
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	filter.Limit = limit

	ctx := c.Request.Context()
	orders, err := h.Reader.ListOrders(ctx, filter)
	if err != nil {
		h.internalError(c, "list orders failed", err)
		return
	}
	render, err := h.renderer(ctx)
	if err != nil {
		h.internalError(c, "load reference data failed", err)
		return
	}

	items := make([]orderItem, 0, len(orders))
	for i := range orders {
		items = append(items, render.order(ctx, &orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": items})
}

func (h *Handler) GetOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id")
		return
	}
	ctx := c.Request.Context()
	order, err := h.Reader.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ledger.ErrOrderNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		h.internalError(c, "get order failed", err)
		return
	}
	render, err := h.renderer(ctx)
	if err != nil {
		h.internalError(c, "load reference data failed", err)
		return
	}
	c.JSON(http.StatusOK, render.order(ctx, order))
}

func (h *Handler) GetTrade(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := c.Request.Context()
	trade, err := h.Reader.GetTrade(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "TRADE_NOT_FOUND", "trade not found")
			return
		}
		h.internalError(c, "get trade failed", err)
		return
	}
	render, err := h.renderer(ctx)
	if err != nil {
		h.internalError(c, "load reference data failed", err)
		return
	}
	c.JSON(http.StatusOK, render.trade(ctx, trade))
}

func (h *Handler) ListTrades(c *gin.Context) {
	symbol := strings.TrimSpace(c.Param("symbol"))
	ctx := c.Request.Context()
	if _, err := h.Reader.GetMarket(ctx, symbol); err != nil {
		if errors.Is(err, ledger.ErrUnknownMarket) {
			writeError(c, http.StatusNotFound, "MARKET_NOT_FOUND", "market not found")
			return
		}
		h.internalError(c, "get market failed", err)
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	trades, err := h.Reader.ListTrades(ctx, symbol, limit)
	if err != nil {
		h.internalError(c, "list trades failed", err)
		return
	}
	render, err := h.renderer(ctx)
	if err != nil {
		h.internalError(c, "load reference data failed", err)
		return
	}

	items := make([]tradeItem, 0, len(trades))
	for i := range trades {
		items = append(items, render.trade(ctx, &trades[i]))
	}
	c.JSON(http.StatusOK, gin.H{"market": symbol, "trades": items})
}

func (h *Handler) QueueStats(c *gin.Context) {
	queues, ok := h.marketQueues(c)
	if !ok {
		return
	}
	items := make([]queueItem, 0, len(queues))
	for _, q := range queues {
		stats, err := q.Stats(c.Request.Context())
		if err != nil {
			h.internalError(c, "queue stats failed", err)
			return
		}
		items = append(items, queueItem{Queue: q.Name(), Stats: stats})
	}
	c.JSON(http.StatusOK, gin.H{"market": c.Param("market"), "queues": items})
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	queues, ok := h.marketQueues(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	items := make([]deadLetterItem, 0)
	for _, q := range queues {
		records, err := q.DeadLetters(c.Request.Context(), int64(limit))
		if err != nil {
			h.internalError(c, "list dead letters failed", err)
			return
		}
		for _, record := range records {
			body, err := record.Body()
			if err != nil {
				body = record.Payload
			}
			items = append(items, deadLetterItem{
				Queue:     record.Queue,
				Reason:    record.Reason,
				Error:     record.Error,
				Attempts:  record.Attempts,
				Payload:   body,
				Timestamp: record.Timestamp.UTC().Format(time.RFC3339),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"market": c.Param("market"), "dead_letters": items})
}

// RequeueDeadLetters moves dead letters back onto their incoming queues.
// The optional queue query parameter restricts the move to one queue.
func (h *Handler) RequeueDeadLetters(c *gin.Context) {
	queues, ok := h.marketQueues(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	if limit == 0 {
		limit = 100
	}
	only := strings.TrimSpace(c.Query("queue"))

	moved := make(map[string]int)
	total := 0
	for _, q := range queues {
		if only != "" && q.Name() != only {
			continue
		}
		n, err := q.Requeue(c.Request.Context(), int64(limit))
		if err != nil {
			h.internalError(c, "requeue dead letters failed", err)
			return
		}
		moved[q.Name()] = n
		total += n
	}
	if only != "" && len(moved) == 0 {
		writeError(c, http.StatusNotFound, "QUEUE_NOT_FOUND", "queue not found")
		return
	}
	h.Logger.Info("dead letters requeued", "market", c.Param("market"), "count", total)
	c.JSON(http.StatusOK, gin.H{"market": c.Param("market"), "requeued": moved, "total": total})
}

func (h *Handler) marketQueues(c *gin.Context) ([]*redisq.Queue, bool) {
	if h.Queues == nil {
		writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "queues not configured")
		return nil, false
	}
	queues, ok := h.Queues.Queues(strings.TrimSpace(c.Param("market")))
	if !ok {
		writeError(c, http.StatusNotFound, "MARKET_NOT_FOUND", "market not served")
		return nil, false
	}
	return queues, true
}

func (h *Handler) assetDecimals(ctx context.Context) (map[string]int32, error) {
	assets, err := h.Reader.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int32, len(assets))
	for _, a := range assets {
		out[a.Symbol] = a.Decimals
	}
	return out, nil
}

// renderer formats amounts with the decimals of the market's assets.
type renderer struct {
	reader   Reader
	decimals map[string]int32
	markets  map[string]ledger.Market
}

func (h *Handler) renderer(ctx context.Context) (*renderer, error) {
	decimals, err := h.assetDecimals(ctx)
	if err != nil {
		return nil, err
	}
	return &renderer{reader: h.Reader, decimals: decimals, markets: make(map[string]ledger.Market)}, nil
}

// assets returns the base and quote decimals of market. Unknown markets
// render in raw units.
func (r *renderer) assets(ctx context.Context, market string) (int32, int32) {
	m, ok := r.markets[market]
	if !ok {
		var err error
		m, err = r.reader.GetMarket(ctx, market)
		if err != nil {
			m = ledger.Market{Symbol: market}
		}
		r.markets[market] = m
	}
	return r.decimals[m.BaseAsset], r.decimals[m.QuoteAsset]
}

func (r *renderer) order(ctx context.Context, o *ledger.Order) orderItem {
	base, quote := r.assets(ctx, o.Market)
	item := orderItem{
		OrderID:       o.ID.String(),
		ClientOrderID: o.ClientOrderID,
		UserID:        o.UserID.String(),
		Market:        o.Market,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Quantity:      ledger.FormatUnits(o.Quantity, base),
		Filled:        ledger.FormatUnits(o.Filled, base),
		Remaining:     ledger.FormatUnits(o.Remaining, base),
		Status:        string(o.Status),
		CancelReason:  o.CancelReason,
		Submitted:     o.SubmittedAt != nil,
		CreatedAt:     o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     o.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if o.Price != nil {
		v := ledger.FormatPrice(*o.Price, base, quote)
		item.Price = &v
	}
	if o.StopPrice != nil {
		v := ledger.FormatPrice(*o.StopPrice, base, quote)
		item.StopPrice = &v
	}
	return item
}

func (r *renderer) trade(ctx context.Context, t *ledger.Trade) tradeItem {
	base, quote := r.assets(ctx, t.Market)
	return tradeItem{
		TradeID:     t.ID,
		Market:      t.Market,
		Price:       ledger.FormatPrice(t.Price, base, quote),
		Quantity:    ledger.FormatUnits(t.Quantity, base),
		TakerSide:   string(t.TakerSide),
		BuyOrderID:  t.BuyOrderID.String(),
		SellOrderID: t.SellOrderID.String(),
		Fee:         ledger.FormatUnits(t.Fee, r.decimals[t.FeeAsset]),
		FeeAsset:    t.FeeAsset,
		ExecutedAt:  t.ExecutedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.Logger.Error(msg, "error", err, "path", c.FullPath())
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
		return 0, false
	}
	return n, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}
