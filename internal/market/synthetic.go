// Package market is the market-data side of the engine: a synthetic quote and
// OHLC generator, an optional live brokerage client, the Provider facade that
// puts a cache, a rate limiter and a circuit breaker in front of both, and the
// exchange session clock.
package market

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/growledge/trading-engine/internal/model"
	"github.com/growledge/trading-engine/internal/symbol"
)

// Synthetic generates plausible random market data from the catalog's price
// bands. It is safe for concurrent use. Output is not reproducible across
// calls; only the shape of the data is guaranteed.
type Synthetic struct {
	mu      sync.Mutex
	rng     *rand.Rand
	catalog *symbol.Catalog
	now     func() time.Time
}

// NewSynthetic creates a generator. A nil rng is seeded from the clock and a
// nil now uses time.Now.
func NewSynthetic(catalog *symbol.Catalog, rng *rand.Rand, now func() time.Time) *Synthetic {
	if catalog == nil {
		catalog = symbol.DefaultCatalog()
	}
	if now == nil {
		now = time.Now
	}
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Synthetic{rng: rng, catalog: catalog, now: now}
}

// uniform draws from [lo, hi). Caller holds s.mu.
func (s *Synthetic) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*s.rng.Float64()
}

// intBetween draws from [lo, hi] inclusive. Caller holds s.mu.
func (s *Synthetic) intBetween(lo, hi int64) int64 {
	return lo + s.rng.Int64N(hi-lo+1)
}

func round2(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}

// Quote returns a random quote around the symbol's base price: price within
// ±5% of base, daily change within ±10% of the band range, high/low within 5%
// of the range around price.
func (s *Synthetic) Quote(sym, exchange string) model.Quote {
	band := s.catalog.Band(sym)

	s.mu.Lock()
	price := band.Base * (1 + s.uniform(-0.05, 0.05))
	change := s.uniform(-0.1*band.Range, 0.1*band.Range)
	high := price + s.uniform(0, 0.05*band.Range)
	low := price - s.uniform(0, 0.05*band.Range)
	volume := s.intBetween(100000, 5000000)
	s.mu.Unlock()

	if low <= 0 {
		low = price / 2
	}
	changePct := change / price * 100

	return model.Quote{
		Symbol:        sym,
		Name:          s.catalog.Name(sym),
		Price:         round2(price),
		Change:        round2(change),
		ChangePercent: round2(changePct),
		High:          round2(high),
		Low:           round2(low),
		Volume:        volume,
		Timestamp:     s.now(),
		Exchange:      exchange,
		Source:        model.SourceSynthetic,
	}
}

// History walks one bar per calendar day from the date of from to the date of
// to, both inclusive, in from's location. Each open continues from the
// previous close so the series looks like a random walk. Prices never drop
// below 1% of the base price. Returns nil when from is after to.
func (s *Synthetic) History(sym string, from, to time.Time) []model.HistoricalBar {
	loc := from.Location()
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	to = to.In(loc)
	last := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, loc)
	if day.After(last) {
		return nil
	}

	band := s.catalog.Band(sym)
	floor := band.Base * 0.01
	r := band.Range
	prev := band.Base

	var bars []model.HistoricalBar

	s.mu.Lock()
	defer s.mu.Unlock()

	for ; !day.After(last); day = day.AddDate(0, 0, 1) {
		open := math.Max(prev+s.uniform(-r, r), floor)
		closePx := math.Max(open+s.uniform(-0.4*r, 0.4*r), floor)

		o, c := round2(open), round2(closePx)
		top, bottom := decimal.Max(o, c), decimal.Min(o, c)
		high := top.Add(round2(s.uniform(0, 0.2*r)))
		low := bottom.Sub(round2(s.uniform(0, 0.2*r)))
		if !low.IsPositive() {
			low = bottom
		}

		bars = append(bars, model.HistoricalBar{
			Timestamp: day,
			Open:      o,
			High:      high,
			Low:       low,
			Close:     c,
			Volume:    s.intBetween(100000, 1000000),
		})
		prev = closePx
	}
	return bars
}
