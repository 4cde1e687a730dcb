package market

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/growledge/trading-engine/internal/model"
	"github.com/growledge/trading-engine/internal/symbol"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func newTestSynthetic(cat *symbol.Catalog) *Synthetic {
	return NewSynthetic(cat, rand.New(rand.NewPCG(1, 2)), func() time.Time { return t0 })
}

func TestSyntheticQuote_WithinBand(t *testing.T) {
	s := newTestSynthetic(nil)
	band := symbol.DefaultCatalog().Band("TCS")

	for i := 0; i < 500; i++ {
		q := s.Quote("TCS", symbol.ExchangeNSE)

		minPrice := d(band.Base * 0.95).Sub(d(0.01))
		maxPrice := d(band.Base * 1.05).Add(d(0.01))
		if q.Price.LessThan(minPrice) || q.Price.GreaterThan(maxPrice) {
			t.Fatalf("price %s outside ±5%% of base %.2f", q.Price, band.Base)
		}
		if q.Low.GreaterThan(q.Price) || q.Price.GreaterThan(q.High) {
			t.Fatalf("expected low <= price <= high, got %s/%s/%s", q.Low, q.Price, q.High)
		}
		if q.Change.Abs().GreaterThan(d(0.1 * band.Range).Add(d(0.01))) {
			t.Fatalf("change %s exceeds 10%% of range %.2f", q.Change, band.Range)
		}
		if q.Volume < 100000 || q.Volume > 5000000 {
			t.Fatalf("volume %d out of range", q.Volume)
		}
		if q.Price.Exponent() < -2 || q.High.Exponent() < -2 {
			t.Fatalf("prices must be rounded to 2 decimals: %s %s", q.Price, q.High)
		}
	}
}

func TestSyntheticQuote_Metadata(t *testing.T) {
	s := newTestSynthetic(nil)

	q := s.Quote("TCS", "BSE")
	if q.Name != "Tata Consultancy Services Ltd." {
		t.Errorf("expected catalog name, got %q", q.Name)
	}
	if q.Exchange != "BSE" || q.Source != model.SourceSynthetic || !q.Timestamp.Equal(t0) {
		t.Errorf("unexpected metadata: %+v", q)
	}

	unknown := s.Quote("ZZTOP", symbol.ExchangeNSE)
	if unknown.Name != "ZZTOP Corporation" {
		t.Errorf("expected fallback name, got %q", unknown.Name)
	}
	if unknown.Price.LessThan(d(949.99)) || unknown.Price.GreaterThan(d(1050.01)) {
		t.Errorf("unknown symbol should use the default band, got %s", unknown.Price)
	}
}

func checkWalk(t *testing.T, bars []model.HistoricalBar, from time.Time, days int) {
	t.Helper()
	if len(bars) != days {
		t.Fatalf("expected %d bars, got %d", days, len(bars))
	}
	for i, b := range bars {
		want := from.AddDate(0, 0, i)
		if !b.Timestamp.Equal(want) {
			t.Fatalf("bar %d: expected date %s, got %s", i, want.Format(time.DateOnly), b.Timestamp.Format(time.DateOnly))
		}
		if b.Low.GreaterThan(b.Open) || b.Open.GreaterThan(b.High) {
			t.Fatalf("bar %d: open %s outside [%s, %s]", i, b.Open, b.Low, b.High)
		}
		if b.Low.GreaterThan(b.Close) || b.Close.GreaterThan(b.High) {
			t.Fatalf("bar %d: close %s outside [%s, %s]", i, b.Close, b.Low, b.High)
		}
		if !b.Low.IsPositive() {
			t.Fatalf("bar %d: non-positive low %s", i, b.Low)
		}
		if b.Volume < 100000 || b.Volume > 1000000 {
			t.Fatalf("bar %d: volume %d out of range", i, b.Volume)
		}
	}
}

func TestSyntheticHistory_CoversEveryDay(t *testing.T) {
	s := newTestSynthetic(nil)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

	bars := s.History("RELIANCE", from, to)
	checkWalk(t, bars, from, 90)
}

func TestSyntheticHistory_TimeOfDayIgnored(t *testing.T) {
	s := newTestSynthetic(nil)
	from := time.Date(2025, 3, 3, 17, 45, 0, 0, time.UTC)
	to := time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)

	bars := s.History("INFY", from, to)
	checkWalk(t, bars, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), 2)
}

func TestSyntheticHistory_SingleDayAndEmpty(t *testing.T) {
	s := newTestSynthetic(nil)

	if bars := s.History("INFY", t0, t0); len(bars) != 1 {
		t.Errorf("same-day range should yield one bar, got %d", len(bars))
	}
	if bars := s.History("INFY", t0, t0.AddDate(0, 0, -1)); bars != nil {
		t.Errorf("from after to should yield nil, got %d bars", len(bars))
	}
}

func TestSyntheticHistory_StaysPositive(t *testing.T) {
	// A range far wider than the base drives the walk into its floor.
	cat := &symbol.Catalog{Bands: map[string]symbol.Band{"PENNY": {Base: 10, Range: 50}}}
	s := newTestSynthetic(cat)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	bars := s.History("PENNY", from, from.AddDate(0, 0, 364))
	checkWalk(t, bars, from, 365)
}

func TestSyntheticHistory_FirstOpenNearBase(t *testing.T) {
	s := newTestSynthetic(nil)
	band := symbol.DefaultCatalog().Band("WIPRO")

	for i := 0; i < 50; i++ {
		bars := s.History("WIPRO", t0, t0)
		if bars[0].Open.Sub(d(band.Base)).Abs().GreaterThan(d(band.Range).Add(d(0.01))) {
			t.Fatalf("first open %s not within range of base %.2f", bars[0].Open, band.Base)
		}
	}
}
