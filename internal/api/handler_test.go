package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/growledge/trading-engine/internal/api"
	"github.com/growledge/trading-engine/internal/market"
	"github.com/growledge/trading-engine/internal/model"
	"github.com/growledge/trading-engine/internal/quotecache"
	"github.com/growledge/trading-engine/internal/store"
	"github.com/growledge/trading-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Monday 2025-03-03 10:00 IST.
var t0 = time.Date(2025, 3, 3, 4, 30, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

type testEnv struct {
	router chi.Router
	hub    *api.WSHub
	store  store.Store
}

// newTestEnv wires the handler over an in-memory store and a synthetic-only
// market provider.
func newTestEnv(t *testing.T, st store.Store, withHub bool) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}

	var hub *api.WSHub
	opts := trade.Options{StartingCash: d(500000)}
	if withHub {
		hub = api.NewWSHub()
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go hub.Run(ctx)
		opts.Notifier = hub
	}

	cache := quotecache.New(quotecache.NewMemoryBackend(), nil, nil)
	provider := market.NewProvider(cache, market.NewSynthetic(nil, nil, nil), nil, market.Options{})
	exec := trade.NewExecutor(st, opts)
	agg := trade.NewAggregator(provider, exec, exec.StartingCash(), nil)

	h := api.NewHandler(exec, agg, provider, hub, fixedNow)
	return &testEnv{router: api.NewRouter(h), hub: hub, store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, w)["error"]
}

func tradeBody(user, sym, side string, qty, price float64) map[string]any {
	return map[string]any{"user_id": user, "symbol": sym, "side": side, "qty": qty, "price": price}
}

// --- Trade execution tests ---

func TestPlaceTrade_Buy(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, "POST", "/api/v1/trade", tradeBody("user1", "X", "BUY", 10, 100))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[api.TradeResponse](t, w)
	if resp.TradeID == "" || resp.TradeID != resp.Trade.ID {
		t.Errorf("expected trade id, got %q / %q", resp.TradeID, resp.Trade.ID)
	}
	if !resp.RemainingCash.Equal(d(499000)) {
		t.Errorf("expected remaining cash 499000, got %s", resp.RemainingCash)
	}
	if !resp.Portfolio.Holdings["X"].Equal(d(10)) {
		t.Errorf("expected 10 X held, got %s", resp.Portfolio.Holdings["X"])
	}
	if !strings.Contains(resp.Message, "BUY 10 X at 100") {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestPlaceTrade_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.do(t, "POST", "/api/v1/trade", tradeBody("user1", "X", "BUY", 10, 100))

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed body", `{"user_id":`, http.StatusBadRequest},
		{"missing user", tradeBody("", "X", "BUY", 1, 1), http.StatusBadRequest},
		{"bad side", tradeBody("user1", "X", "HOLD", 1, 1), http.StatusBadRequest},
		{"zero qty", tradeBody("user1", "X", "BUY", 0, 1), http.StatusBadRequest},
		{"negative price", tradeBody("user1", "X", "BUY", 1, -1), http.StatusBadRequest},
		{"insufficient funds", tradeBody("user1", "X", "BUY", 10000, 100), http.StatusConflict},
		{"insufficient shares", tradeBody("user1", "X", "SELL", 11, 100), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/trade", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if errorMessage(t, w) == "" {
				t.Error("expected an error message")
			}
		})
	}

	// None of the rejected trades touched the ledger.
	p := decode[model.Portfolio](t, env.do(t, "GET", "/api/v1/portfolio/user1", nil))
	if !p.CashBalance.Equal(d(499000)) || !p.Holdings["X"].Equal(d(10)) {
		t.Errorf("ledger changed by rejected trades: %+v", p)
	}
}

// --- Portfolio tests ---

func TestGetPortfolio_LazyCreate(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, "GET", "/api/v1/portfolio/newbie", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	p := decode[model.Portfolio](t, w)
	if p.UserID != "newbie" || !p.CashBalance.Equal(d(500000)) || len(p.Holdings) != 0 {
		t.Errorf("unexpected portfolio %+v", p)
	}
}

func TestGetTrades_NewestFirst(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.do(t, "POST", "/api/v1/trade", tradeBody("user1", "TCS", "BUY", 2, 3500))
	env.do(t, "POST", "/api/v1/trade", tradeBody("user1", "TCS", "SELL", 1, 3600))

	w := env.do(t, "GET", "/api/v1/trades/user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	trades := decode[[]model.TradeRecord](t, w)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].Side != model.SideSell || trades[1].Side != model.SideBuy {
		t.Errorf("expected newest first, got %s then %s", trades[0].Side, trades[1].Side)
	}

	empty := decode[[]model.TradeRecord](t, env.do(t, "GET", "/api/v1/trades/nobody", nil))
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty list, got %v", empty)
	}
}

func TestGetPerformance(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.do(t, "POST", "/api/v1/trade", tradeBody("user1", "INFY", "BUY", 10, 1500))

	w := env.do(t, "GET", "/api/v1/portfolio/user1/performance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	perf := decode[model.PortfolioPerformance](t, w)
	if !perf.CashBalance.Equal(d(485000)) {
		t.Errorf("expected cash 485000, got %s", perf.CashBalance)
	}
	if len(perf.Holdings) != 1 || perf.Holdings[0].Symbol != "INFY" {
		t.Fatalf("expected one INFY line, got %+v", perf.Holdings)
	}
	if !perf.TotalValue.Equal(perf.CashBalance.Add(perf.Holdings[0].CurrentValue)) {
		t.Errorf("total %s != cash + holdings", perf.TotalValue)
	}
	if len(perf.Distribution) != 2 || perf.Distribution[0].Name != "Cash" {
		t.Errorf("unexpected distribution %+v", perf.Distribution)
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.do(t, "POST", "/api/v1/trade", tradeBody("user1", "X", "BUY", 1, 100))

	rec := decode[trade.Reconciliation](t, env.do(t, "GET", "/api/v1/portfolio/user1/reconcile", nil))
	if !rec.Consistent || rec.TradeCount != 1 {
		t.Fatalf("expected consistent ledger, got %+v", rec)
	}

	bad, _ := env.store.GetPortfolio(context.Background(), "user1")
	bad.CashBalance = d(7)
	env.store.ReplacePortfolio(context.Background(), bad, bad.Version)

	rec = decode[trade.Reconciliation](t, env.do(t, "GET", "/api/v1/portfolio/user1/reconcile", nil))
	if rec.Consistent || rec.Repaired {
		t.Fatalf("GET must report without repairing, got %+v", rec)
	}
	rec = decode[trade.Reconciliation](t, env.do(t, "POST", "/api/v1/portfolio/user1/reconcile", nil))
	if !rec.Repaired {
		t.Fatalf("POST should repair, got %+v", rec)
	}
	p := decode[model.Portfolio](t, env.do(t, "GET", "/api/v1/portfolio/user1", nil))
	if !p.CashBalance.Equal(d(499900)) {
		t.Errorf("expected repaired cash 499900, got %s", p.CashBalance)
	}
}

// brokenStore fails trade-log reads.
type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) ListTrades(context.Context, string) ([]model.TradeRecord, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailureIs500(t *testing.T) {
	env := newTestEnv(t, brokenStore{store.NewMemoryStore()}, false)

	w := env.do(t, "GET", "/api/v1/trades/user1", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if msg := errorMessage(t, w); msg != "internal error" {
		t.Errorf("store details should not leak, got %q", msg)
	}
}

// --- Market data tests ---

func TestGetQuote(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, "GET", "/api/v1/stock/tcs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	q := decode[api.QuoteResponse](t, w)
	if q.Symbol != "TCS" || q.Currency != "INR" || q.Source != model.SourceSynthetic || !q.Price.IsPositive() {
		t.Errorf("unexpected quote %+v", q)
	}

	again := decode[api.QuoteResponse](t, env.do(t, "GET", "/api/v1/stock/TCS", nil))
	if !again.Timestamp.Equal(q.Timestamp) || !again.Price.Equal(q.Price) {
		t.Error("second quote within the TTL should be served from cache")
	}

	us := decode[api.QuoteResponse](t, env.do(t, "GET", "/api/v1/stock/AAPL?exchange=nasdaq", nil))
	if us.Exchange != "NASDAQ" || us.Currency != "USD" {
		t.Errorf("unexpected NASDAQ quote %+v", us)
	}
}

func TestGetQuote_Errors(t *testing.T) {
	env := newTestEnv(t, nil, false)

	if w := env.do(t, "GET", "/api/v1/stock/@@@", nil); w.Code != http.StatusNotFound {
		t.Errorf("malformed symbol: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/stock/TCS?exchange=LSE", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown exchange: expected 400, got %d", w.Code)
	}
}

func TestGetQuotes(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, "GET", "/api/v1/stocks/multiple?symbols=TCS,%20infy,tcs,", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	quotes := decode[map[string]api.QuoteResponse](t, w)
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
	if _, ok := quotes["INFY"]; !ok {
		t.Error("expected INFY keyed by normalized symbol")
	}

	if w := env.do(t, "GET", "/api/v1/stocks/multiple?symbols=,,", nil); w.Code != http.StatusBadRequest {
		t.Errorf("empty symbols: expected 400, got %d", w.Code)
	}
}

func TestGetPopular(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, "GET", "/api/v1/stocks/popular", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	stocks := decode[[]market.PopularStock](t, w)
	if len(stocks) != market.PopularCount {
		t.Fatalf("expected %d stocks, got %d", market.PopularCount, len(stocks))
	}
	if stocks[0].Symbol != "RELIANCE" || stocks[0].MarketCap != "Large Cap" || stocks[0].Sector == "" {
		t.Errorf("unexpected first entry %+v", stocks[0])
	}
}

func TestGetHistory(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, "GET", "/api/v1/stocks/historical/RELIANCE?days=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.HistoryResponse](t, w)
	if resp.Symbol != "RELIANCE" || resp.Interval != "1day" {
		t.Errorf("unexpected header %+v", resp)
	}
	if len(resp.Data) != 6 {
		t.Fatalf("expected 6 daily bars, got %d", len(resp.Data))
	}
	for _, bar := range resp.Data {
		if bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) ||
			bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) {
			t.Errorf("inconsistent bar %+v", bar)
		}
	}

	for _, path := range []string{
		"/api/v1/stocks/historical/RELIANCE?days=400",
		"/api/v1/stocks/historical/RELIANCE?days=0",
		"/api/v1/stocks/historical/RELIANCE?days=ten",
		"/api/v1/stocks/historical/RELIANCE?interval=2hour",
	} {
		if w := env.do(t, "GET", path, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, "GET", "/api/v1/search/bank", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	results := decode[[]api.SearchResponse](t, w)
	if len(results) == 0 || len(results) > 10 {
		t.Fatalf("expected 1-10 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Region != "India" || r.Currency != "INR" {
			t.Errorf("unexpected result %+v", r)
		}
	}

	if w := env.do(t, "GET", "/api/v1/search/a", nil); w.Code != http.StatusBadRequest {
		t.Errorf("short query: expected 400, got %d", w.Code)
	}
}

func TestMarketStatus(t *testing.T) {
	env := newTestEnv(t, nil, false)

	w := env.do(t, "GET", "/api/v1/market/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	st := decode[market.MarketStatus](t, w)
	if st.Status != market.StatusOpen || !st.IsOpen || st.NextSession != "Market closes at 3:30 PM IST" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, false)
	w := env.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected health response %d %s", w.Code, w.Body.String())
	}
}

// --- WebSocket tests ---

func TestWebSocket_TradeBroadcast(t *testing.T) {
	env := newTestEnv(t, nil, true)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body, _ := json.Marshal(tradeBody("user1", "WIPRO", "buy", 3, 450))
	resp, err := http.Post(srv.URL+"/api/v1/trade", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post trade: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != api.MsgTradeExecuted || msg.Symbol != "WIPRO" || msg.Side != "BUY" || msg.Quantity != "3" {
		t.Errorf("unexpected message %+v", msg)
	}
}
