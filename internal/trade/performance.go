package trade

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/growledge/trading-engine/internal/model"
)

// Quoter prices a symbol. *market.Provider satisfies it; its errors are
// symbol errors only, live outages degrade to synthetic quotes.
type Quoter interface {
	GetQuote(ctx context.Context, sym, exchange string) (model.Quote, error)
}

// PortfolioReader loads a user's ledger.
type PortfolioReader interface {
	Portfolio(ctx context.Context, userID string) (*model.Portfolio, error)
}

const (
	cashLine      = "Cash"
	quoteFanout   = 8
	percentPlaces = 2
)

var hundred = decimal.NewFromInt(100)

// Aggregator values holdings at current quotes.
type Aggregator struct {
	quotes       Quoter
	portfolios   PortfolioReader
	startingCash decimal.Decimal
	now          func() time.Time
}

// NewAggregator creates an aggregator. Gain/loss is measured against startingCash.
func NewAggregator(quotes Quoter, portfolios PortfolioReader, startingCash decimal.Decimal, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		quotes:       quotes,
		portfolios:   portfolios,
		startingCash: startingCash,
		now:          now,
	}
}

// GetPerformance values each holding at its current quote. The breakdown is
// sorted by symbol. Empty holdings cost no quote lookups.
func (a *Aggregator) GetPerformance(ctx context.Context, holdings map[string]decimal.Decimal) (model.HoldingsPerformance, error) {
	perf := model.HoldingsPerformance{
		TotalValue: decimal.Zero,
		Holdings:   []model.HoldingPerformance{},
	}
	if len(holdings) == 0 {
		return perf, nil
	}

	symbols := make([]string, 0, len(holdings))
	for sym := range holdings {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	lines := make([]model.HoldingPerformance, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(quoteFanout)
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := a.quotes.GetQuote(gctx, sym, "")
			if err != nil {
				return fmt.Errorf("price holding %s: %w", sym, err)
			}
			qty := holdings[sym]
			lines[i] = model.HoldingPerformance{
				Symbol:        sym,
				Name:          q.Name,
				Quantity:      qty,
				CurrentPrice:  q.Price,
				CurrentValue:  q.Price.Mul(qty),
				Change:        q.Change,
				ChangePercent: q.ChangePercent,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.HoldingsPerformance{}, err
	}

	for _, l := range lines {
		perf.TotalValue = perf.TotalValue.Add(l.CurrentValue)
	}
	perf.Holdings = lines
	return perf, nil
}

// PortfolioPerformance values the user's whole ledger: holdings plus cash,
// gain/loss against the starting cash, and the allocation with cash as the
// first line. The allocation is empty when the total is zero.
func (a *Aggregator) PortfolioPerformance(ctx context.Context, userID string) (*model.PortfolioPerformance, error) {
	p, err := a.portfolios.Portfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	hp, err := a.GetPerformance(ctx, p.Holdings)
	if err != nil {
		return nil, err
	}

	total := hp.TotalValue.Add(p.CashBalance)
	out := &model.PortfolioPerformance{
		UserID:        p.UserID,
		TotalValue:    total,
		CashBalance:   p.CashBalance,
		TotalInvested: hp.TotalValue,
		TotalGainLoss: total.Sub(a.startingCash),
		Holdings:      hp.Holdings,
		Distribution:  []model.AllocationLine{},
		LastUpdated:   a.now().UTC(),
	}
	if a.startingCash.IsPositive() {
		out.TotalGainLossPercent = out.TotalGainLoss.Div(a.startingCash).Mul(hundred).Round(percentPlaces)
	}

	if !total.IsPositive() {
		return out, nil
	}
	out.Distribution = append(out.Distribution, allocation(cashLine, p.CashBalance, total))
	for _, h := range hp.Holdings {
		out.Distribution = append(out.Distribution, allocation(h.Symbol, h.CurrentValue, total))
	}
	return out, nil
}

func allocation(name string, value, total decimal.Decimal) model.AllocationLine {
	return model.AllocationLine{
		Name:       name,
		Value:      value,
		Percentage: value.Div(total).Mul(hundred).Round(percentPlaces),
	}
}
