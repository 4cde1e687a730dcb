// Package api exposes the trading engine over HTTP: trade execution,
// portfolio and performance queries, market data and a WebSocket feed.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/growledge/trading-engine/internal/market"
	"github.com/growledge/trading-engine/internal/model"
	"github.com/growledge/trading-engine/internal/symbol"
	"github.com/growledge/trading-engine/internal/trade"
)

// DefaultHistoryDays is the history window when ?days is absent.
const DefaultHistoryDays = 30

// Handler serves the /api/v1 routes.
type Handler struct {
	trades *trade.Executor
	perf   *trade.Aggregator
	market *market.Provider
	hub    *WSHub // optional
	now    func() time.Time
}

// NewHandler creates a handler. Pass nil for hub if WebSocket broadcasting
// is not needed.
func NewHandler(trades *trade.Executor, perf *trade.Aggregator, provider *market.Provider, hub *WSHub, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{
		trades: trades,
		perf:   perf,
		market: provider,
		hub:    hub,
		now:    now,
	}
}

// Routes registers the request/response API routes on r. The WebSocket
// feed is mounted by NewRouter.
func (h *Handler) Routes(r chi.Router) {
	// Trading.
	r.Post("/trade", h.PlaceTrade)
	r.Get("/trades/{userID}", h.GetTrades)

	// Portfolio queries.
	r.Get("/portfolio/{userID}", h.GetPortfolio)
	r.Get("/portfolio/{userID}/performance", h.GetPerformance)
	r.Get("/portfolio/{userID}/reconcile", h.Reconcile)
	r.Post("/portfolio/{userID}/reconcile", h.Reconcile)

	// Market data.
	r.Get("/stock/{symbol}", h.GetQuote)
	r.Get("/stocks/multiple", h.GetQuotes)
	r.Get("/stocks/popular", h.GetPopular)
	r.Get("/stocks/historical/{symbol}", h.GetHistory)
	r.Get("/search/{keywords}", h.Search)
	r.Get("/market/status", h.GetMarketStatus)
}

// --- Response types ---

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TradeID       string            `json:"trade_id"`
	Message       string            `json:"message"`
	RemainingCash decimal.Decimal   `json:"remaining_cash"`
	Trade         model.TradeRecord `json:"trade"`
	Portfolio     *model.Portfolio  `json:"portfolio"`
}

// QuoteResponse is a quote with its trading currency.
type QuoteResponse struct {
	model.Quote
	Currency string `json:"currency"`
}

// HistoryResponse is the JSON body of the historical endpoint.
type HistoryResponse struct {
	Symbol   string                `json:"symbol"`
	Interval string                `json:"interval"`
	FromDate time.Time             `json:"from_date"`
	ToDate   time.Time             `json:"to_date"`
	Data     []model.HistoricalBar `json:"data"`
}

// SearchResponse is one search hit with its region.
type SearchResponse struct {
	model.SearchResult
	Region string `json:"region"`
}

// --- HTTP Handlers ---

// PlaceTrade handles POST /api/v1/trade
func (h *Handler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.trades.PlaceTrade(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}

	t := res.Trade
	writeJSON(w, http.StatusOK, TradeResponse{
		TradeID:       t.ID,
		Message:       fmt.Sprintf("Trade executed: %s %s %s at %s", t.Side, t.Quantity, t.Symbol, t.Price),
		RemainingCash: res.Portfolio.CashBalance,
		Trade:         t,
		Portfolio:     res.Portfolio,
	})
}

// GetTrades handles GET /api/v1/trades/{userID}
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.trades.Trades(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.trades.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPerformance handles GET /api/v1/portfolio/{userID}/performance
func (h *Handler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	perf, err := h.perf.PortfolioPerformance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

// Reconcile handles /api/v1/portfolio/{userID}/reconcile. GET reports;
// POST also repairs a ledger that disagrees with its trade log.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	repair := r.Method == http.MethodPost
	rec, err := h.trades.Reconcile(r.Context(), chi.URLParam(r, "userID"), repair)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetQuote handles GET /api/v1/stock/{symbol}?exchange=
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.market.GetQuote(r.Context(), chi.URLParam(r, "symbol"), r.URL.Query().Get("exchange"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.hub != nil {
		h.hub.QuoteServed(q)
	}
	writeJSON(w, http.StatusOK, QuoteResponse{Quote: q, Currency: symbol.Currency(q.Exchange)})
}

// GetQuotes handles GET /api/v1/stocks/multiple?symbols=A,B&exchange=
func (h *Handler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		writeError(w, "no symbols provided", http.StatusBadRequest)
		return
	}

	quotes, err := h.market.GetQuotes(r.Context(), symbols, r.URL.Query().Get("exchange"))
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := make(map[string]QuoteResponse, len(quotes))
	for sym, q := range quotes {
		resp[sym] = QuoteResponse{Quote: q, Currency: symbol.Currency(q.Exchange)}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPopular handles GET /api/v1/stocks/popular
func (h *Handler) GetPopular(w http.ResponseWriter, r *http.Request) {
	stocks, err := h.market.PopularStocks(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stocks)
}

// GetHistory handles GET /api/v1/stocks/historical/{symbol}?interval=&days=&exchange=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := DefaultHistoryDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		if n > market.MaxHistoryDays {
			writeError(w, fmt.Sprintf("maximum %d days of history allowed", market.MaxHistoryDays), http.StatusBadRequest)
			return
		}
		days = n
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = market.DefaultInterval
	}

	to := h.now().UTC()
	from := to.AddDate(0, 0, -days)
	sym := chi.URLParam(r, "symbol")

	bars, err := h.market.GetHistory(r.Context(), sym, interval, from, to, q.Get("exchange"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Symbol:   strings.ToUpper(strings.TrimSpace(sym)),
		Interval: interval,
		FromDate: from,
		ToDate:   to,
		Data:     bars,
	})
}

// Search handles GET /api/v1/search/{keywords}
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	results, err := h.market.SearchSymbols(r.Context(), chi.URLParam(r, "keywords"))
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := make([]SearchResponse, len(results))
	for i, res := range results {
		resp[i] = SearchResponse{SearchResult: res, Region: symbol.Region(res.Exchange)}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMarketStatus handles GET /api/v1/market/status
func (h *Handler) GetMarketStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, market.Status(h.now()))
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, trade.ErrValidation), errors.Is(err, market.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.Is(err, trade.ErrInsufficientFunds),
		errors.Is(err, trade.ErrInsufficientShares),
		errors.Is(err, trade.ErrLedgerBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Internal errors are logged
// and hidden from the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
