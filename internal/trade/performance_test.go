package trade_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/growledge/trading-engine/internal/market"
	"github.com/growledge/trading-engine/internal/model"
	"github.com/growledge/trading-engine/internal/store"
	"github.com/growledge/trading-engine/internal/trade"
)

// fixedQuoter prices symbols from a table and counts lookups.
type fixedQuoter struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  int
}

func (q *fixedQuoter) GetQuote(_ context.Context, sym, exchange string) (model.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	price, ok := q.prices[sym]
	if !ok {
		return model.Quote{}, market.ErrSymbolNotFound
	}
	return model.Quote{
		Symbol:        sym,
		Name:          sym + " Ltd.",
		Price:         d(price),
		Change:        d(1.5),
		ChangePercent: d(0.75),
		Exchange:      "NSE",
		Source:        model.SourceSynthetic,
	}, nil
}

func TestGetPerformance_Empty(t *testing.T) {
	q := &fixedQuoter{}
	agg := trade.NewAggregator(q, nil, d(500000), nil)

	perf, err := agg.GetPerformance(context.Background(), nil)
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if !perf.TotalValue.IsZero() || len(perf.Holdings) != 0 || perf.Holdings == nil {
		t.Errorf("expected zero total and empty breakdown, got %+v", perf)
	}
	if q.calls != 0 {
		t.Errorf("expected no quote calls, got %d", q.calls)
	}
}

func TestGetPerformance_Values(t *testing.T) {
	q := &fixedQuoter{prices: map[string]float64{"TCS": 3500, "INFY": 1500.5}}
	agg := trade.NewAggregator(q, nil, d(500000), nil)

	perf, err := agg.GetPerformance(context.Background(), map[string]decimal.Decimal{
		"TCS":  d(2),
		"INFY": d(10),
	})
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if !perf.TotalValue.Equal(d(22005)) {
		t.Errorf("expected total 22005, got %s", perf.TotalValue)
	}
	if len(perf.Holdings) != 2 || perf.Holdings[0].Symbol != "INFY" || perf.Holdings[1].Symbol != "TCS" {
		t.Fatalf("expected breakdown sorted by symbol, got %+v", perf.Holdings)
	}
	infy := perf.Holdings[0]
	if !infy.CurrentValue.Equal(d(15005)) || !infy.CurrentPrice.Equal(d(1500.5)) || infy.Name != "INFY Ltd." {
		t.Errorf("unexpected INFY line %+v", infy)
	}
	if !infy.Change.Equal(d(1.5)) || !infy.ChangePercent.Equal(d(0.75)) {
		t.Errorf("quote change should be carried over, got %+v", infy)
	}
	if q.calls != 2 {
		t.Errorf("expected 2 quote calls, got %d", q.calls)
	}
}

func TestGetPerformance_QuoteError(t *testing.T) {
	q := &fixedQuoter{prices: map[string]float64{}}
	agg := trade.NewAggregator(q, nil, d(500000), nil)

	_, err := agg.GetPerformance(context.Background(), map[string]decimal.Decimal{"GONE": d(1)})
	if !errors.Is(err, market.ErrSymbolNotFound) {
		t.Fatalf("expected ErrSymbolNotFound, got %v", err)
	}
}

func TestPortfolioPerformance_CashOnly(t *testing.T) {
	q := &fixedQuoter{}
	ex, _ := newTestExecutor(t, store.NewMemoryStore(), 500000)
	agg := trade.NewAggregator(q, ex, ex.StartingCash(), tickingClock())

	perf, err := agg.PortfolioPerformance(context.Background(), "new-user")
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if !perf.TotalValue.Equal(d(500000)) || !perf.TotalInvested.IsZero() {
		t.Errorf("unexpected totals %+v", perf)
	}
	if !perf.TotalGainLoss.IsZero() || !perf.TotalGainLossPercent.IsZero() {
		t.Errorf("expected no gain/loss, got %s / %s", perf.TotalGainLoss, perf.TotalGainLossPercent)
	}
	if len(perf.Holdings) != 0 {
		t.Errorf("expected no holdings, got %d", len(perf.Holdings))
	}
	if len(perf.Distribution) != 1 || perf.Distribution[0].Name != "Cash" || !perf.Distribution[0].Percentage.Equal(d(100)) {
		t.Errorf("expected a single 100%% cash line, got %+v", perf.Distribution)
	}
	if q.calls != 0 {
		t.Errorf("expected no quote calls, got %d", q.calls)
	}
}

func TestPortfolioPerformance_WithHoldings(t *testing.T) {
	ctx := context.Background()
	q := &fixedQuoter{prices: map[string]float64{"X": 150}}
	ex, _ := newTestExecutor(t, store.NewMemoryStore(), 3000)
	agg := trade.NewAggregator(q, ex, ex.StartingCash(), tickingClock())

	if _, err := ex.PlaceTrade(ctx, buy("kim", "X", 10, 100)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	perf, err := agg.PortfolioPerformance(ctx, "kim")
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	// cash 2000 + 10 × 150 = 3500
	if !perf.TotalValue.Equal(d(3500)) || !perf.CashBalance.Equal(d(2000)) || !perf.TotalInvested.Equal(d(1500)) {
		t.Errorf("unexpected totals %+v", perf)
	}
	if !perf.TotalGainLoss.Equal(d(500)) || !perf.TotalGainLossPercent.Equal(d(16.67)) {
		t.Errorf("expected gain 500 (16.67%%), got %s (%s)", perf.TotalGainLoss, perf.TotalGainLossPercent)
	}

	if len(perf.Distribution) != 2 {
		t.Fatalf("expected cash + 1 holding, got %+v", perf.Distribution)
	}
	if perf.Distribution[0].Name != "Cash" || !perf.Distribution[0].Percentage.Equal(d(57.14)) {
		t.Errorf("unexpected cash line %+v", perf.Distribution[0])
	}
	if perf.Distribution[1].Name != "X" || !perf.Distribution[1].Percentage.Equal(d(42.86)) {
		t.Errorf("unexpected holding line %+v", perf.Distribution[1])
	}
	if perf.LastUpdated.IsZero() {
		t.Error("expected last_updated")
	}
}

func TestPortfolioPerformance_ZeroTotal(t *testing.T) {
	q := &fixedQuoter{}
	ms := store.NewMemoryStore()
	ms.CreatePortfolio(context.Background(), &model.Portfolio{
		UserID:      "broke",
		CashBalance: decimal.Zero,
		Holdings:    map[string]decimal.Decimal{},
	})
	ex, _ := newTestExecutor(t, ms, 500000)
	agg := trade.NewAggregator(q, ex, ex.StartingCash(), nil)

	perf, err := agg.PortfolioPerformance(context.Background(), "broke")
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if !perf.TotalValue.IsZero() || len(perf.Distribution) != 0 || perf.Distribution == nil {
		t.Errorf("expected zero total with empty distribution, got %+v", perf)
	}
	if !perf.TotalGainLossPercent.Equal(d(-100)) {
		t.Errorf("expected -100%%, got %s", perf.TotalGainLossPercent)
	}
}

func TestPortfolioPerformance_BlankUser(t *testing.T) {
	ex, _ := newTestExecutor(t, store.NewMemoryStore(), 500000)
	agg := trade.NewAggregator(&fixedQuoter{}, ex, ex.StartingCash(), nil)

	if _, err := agg.PortfolioPerformance(context.Background(), ""); !errors.Is(err, trade.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
