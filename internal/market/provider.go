package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/growledge/trading-engine/internal/metrics"
	"github.com/growledge/trading-engine/internal/model"
	"github.com/growledge/trading-engine/internal/quotecache"
	"github.com/growledge/trading-engine/internal/symbol"
)

var (
	// ErrSymbolNotFound is returned for empty or malformed symbols.
	ErrSymbolNotFound = errors.New("market: symbol not found")

	// ErrInvalidQuery is returned for bad search, history or batch parameters.
	ErrInvalidQuery = errors.New("market: invalid query")

	// errLiveDisabled marks a lookup that never tried the live provider.
	errLiveDisabled = errors.New("market: live provider disabled")
)

const (
	DefaultRatePerSecond = 2.0
	DefaultLiveTimeout   = 5 * time.Second
	DefaultFanout        = 8

	// MaxHistoryDays bounds the span of a history request.
	MaxHistoryDays = 365

	// MinSearchLength is the shortest accepted search query, in characters.
	MinSearchLength = 2

	// PopularCount is the size of the popular-stocks listing.
	PopularCount = 10
)

// Intervals accepted by GetHistory.
var validIntervals = map[string]bool{
	"1day":     true,
	"1minute":  true,
	"5minute":  true,
	"30minute": true,
}

// DefaultInterval is used when GetHistory is called without an interval.
const DefaultInterval = "1day"

// Options tunes a Provider. Zero values select the defaults.
type Options struct {
	// Live is the real-time source. Nil means synthetic data only.
	Live LiveClient

	// RatePerSecond is the maximum live call rate; calls are spaced at least
	// 1/RatePerSecond apart.
	RatePerSecond float64

	// LiveTimeout bounds each live call, rate-limiter wait included.
	LiveTimeout time.Duration

	// Breaker guards the live path. Nil disables it.
	Breaker *Breaker

	// Fanout bounds concurrent lookups in GetQuotes.
	Fanout int
}

// PopularStock is one entry of the popular-stocks listing.
type PopularStock struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Exchange      string          `json:"exchange"`
	Sector        string          `json:"sector"`
	MarketCap     string          `json:"market_cap"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

// Provider is the single entry point for market data. Lookups go cache →
// live (rate limited, time bounded, circuit broken) → synthetic. Live
// failures never reach the caller; they degrade to synthetic data.
type Provider struct {
	cache   *quotecache.Cache
	live    LiveClient
	synth   *Synthetic
	catalog *symbol.Catalog
	limiter *rate.Limiter
	timeout time.Duration
	breaker *Breaker
	fanout  int
	flight  singleflight.Group
}

// NewProvider wires a facade over cache, synthetic generator and catalog.
func NewProvider(cache *quotecache.Cache, synth *Synthetic, catalog *symbol.Catalog, opts Options) *Provider {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	if opts.LiveTimeout <= 0 {
		opts.LiveTimeout = DefaultLiveTimeout
	}
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	if catalog == nil {
		catalog = symbol.DefaultCatalog()
	}
	return &Provider{
		cache:   cache,
		live:    opts.Live,
		synth:   synth,
		catalog: catalog,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		timeout: opts.LiveTimeout,
		breaker: opts.Breaker,
		fanout:  opts.Fanout,
	}
}

// LiveEnabled reports whether a live client is wired in.
func (p *Provider) LiveEnabled() bool {
	return p.live != nil
}

// GetQuote returns the quote for sym on exchange (empty means NSE).
func (p *Provider) GetQuote(ctx context.Context, sym, exchange string) (model.Quote, error) {
	s, ex, err := p.resolve(sym, exchange)
	if err != nil {
		return model.Quote{}, err
	}
	return p.quote(ctx, s, ex), nil
}

func (p *Provider) quote(ctx context.Context, s, ex string) model.Quote {
	key := quotecache.Key("quote", map[string]string{"symbol": s, "exchange": ex})

	var q model.Quote
	if p.cache.Lookup(ctx, quotecache.KindQuote, key, &q) {
		metrics.QuoteFetches.WithLabelValues("quote", "cache").Inc()
		return q
	}

	// The flight is shared by every waiter on key, so it must outlive the
	// caller that started it; callLive bounds it by the live timeout.
	fctx := context.WithoutCancel(ctx)
	v, _, _ := p.flight.Do(key, func() (any, error) {
		q, err := callLive(fctx, p, "quote", func(ctx context.Context) (model.Quote, error) {
			return p.live.Quote(ctx, s, ex)
		})
		if err != nil {
			p.fallback("quote", s, err)
			q = p.synth.Quote(s, ex)
		}
		metrics.QuoteFetches.WithLabelValues("quote", q.Source).Inc()
		p.cache.Store(fctx, quotecache.KindQuote, key, q)
		return q, nil
	})
	return v.(model.Quote)
}

// GetQuotes prices several symbols concurrently. The result is keyed by the
// normalized symbol; duplicates collapse into one entry.
func (p *Provider) GetQuotes(ctx context.Context, symbols []string, exchange string) (map[string]model.Quote, error) {
	ex, err := symbol.NormalizeExchange(exchange)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	unique := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, raw := range symbols {
		s, err := symbol.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrSymbolNotFound, raw)
		}
		if !seen[s] {
			seen[s] = true
			unique = append(unique, s)
		}
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("%w: no symbols provided", ErrInvalidQuery)
	}

	var mu sync.Mutex
	out := make(map[string]model.Quote, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanout)
	for _, s := range unique {
		g.Go(func() error {
			q := p.quote(gctx, s, ex)
			mu.Lock()
			out[s] = q
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchSymbols finds instruments whose symbol or name contains query,
// case-insensitively. At most symbol.MaxSearchResults are returned.
func (p *Provider) SearchSymbols(ctx context.Context, query string) ([]model.SearchResult, error) {
	q := strings.TrimSpace(query)
	if utf8.RuneCountInString(q) < MinSearchLength {
		return nil, fmt.Errorf("%w: search query must be at least %d characters", ErrInvalidQuery, MinSearchLength)
	}
	key := quotecache.Key("search", map[string]string{"query": strings.ToLower(q)})

	var results []model.SearchResult
	if p.cache.Lookup(ctx, quotecache.KindSearch, key, &results) {
		metrics.QuoteFetches.WithLabelValues("search", "cache").Inc()
		return results, nil
	}

	fctx := context.WithoutCancel(ctx)
	v, _, _ := p.flight.Do(key, func() (any, error) {
		source := model.SourceLive
		results, err := callLive(fctx, p, "search", func(ctx context.Context) ([]model.SearchResult, error) {
			return p.live.Search(ctx, q)
		})
		if err != nil {
			p.fallback("search", q, err)
			source = model.SourceSynthetic
			results = p.catalog.Search(q, symbol.MaxSearchResults)
		}
		if len(results) > symbol.MaxSearchResults {
			results = results[:symbol.MaxSearchResults]
		}
		if results == nil {
			results = []model.SearchResult{}
		}
		metrics.QuoteFetches.WithLabelValues("search", source).Inc()
		p.cache.Store(fctx, quotecache.KindSearch, key, results)
		return results, nil
	})
	return v.([]model.SearchResult), nil
}

// GetHistory returns OHLC bars for sym between from and to, oldest first.
// interval must be one of 1day, 1minute, 5minute or 30minute; the span may
// not exceed MaxHistoryDays.
func (p *Provider) GetHistory(ctx context.Context, sym, interval string, from, to time.Time, exchange string) ([]model.HistoricalBar, error) {
	s, ex, err := p.resolve(sym, exchange)
	if err != nil {
		return nil, err
	}
	if interval == "" {
		interval = DefaultInterval
	}
	if !validIntervals[interval] {
		return nil, fmt.Errorf("%w: interval %q, use 1day, 1minute, 5minute or 30minute", ErrInvalidQuery, interval)
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidQuery)
	}
	if to.Sub(from) > MaxHistoryDays*24*time.Hour {
		return nil, fmt.Errorf("%w: maximum %d days of history allowed", ErrInvalidQuery, MaxHistoryDays)
	}

	key := quotecache.Key("historical", map[string]string{
		"symbol":    s,
		"exchange":  ex,
		"interval":  interval,
		"from_date": from.Format(time.DateOnly),
		"to_date":   to.Format(time.DateOnly),
	})

	var bars []model.HistoricalBar
	if p.cache.Lookup(ctx, quotecache.KindHistory, key, &bars) {
		metrics.QuoteFetches.WithLabelValues("history", "cache").Inc()
		return bars, nil
	}

	fctx := context.WithoutCancel(ctx)
	v, _, _ := p.flight.Do(key, func() (any, error) {
		source := model.SourceLive
		bars, err := callLive(fctx, p, "history", func(ctx context.Context) ([]model.HistoricalBar, error) {
			return p.live.History(ctx, s, interval, ex, from, to)
		})
		if err != nil {
			p.fallback("history", s, err)
			source = model.SourceSynthetic
			bars = p.synth.History(s, from, to)
		}
		if bars == nil {
			bars = []model.HistoricalBar{}
		}
		metrics.QuoteFetches.WithLabelValues("history", source).Inc()
		p.cache.Store(fctx, quotecache.KindHistory, key, bars)
		return bars, nil
	})
	return v.([]model.HistoricalBar), nil
}

// PopularStocks prices the first PopularCount catalog entries.
func (p *Provider) PopularStocks(ctx context.Context) ([]PopularStock, error) {
	entries := p.catalog.Popular(PopularCount)
	if len(entries) == 0 {
		return []PopularStock{}, nil
	}
	syms := make([]string, len(entries))
	for i, e := range entries {
		syms[i] = e.Symbol
	}
	quotes, err := p.GetQuotes(ctx, syms, symbol.DefaultExchange)
	if err != nil {
		return nil, err
	}

	out := make([]PopularStock, 0, len(entries))
	for _, e := range entries {
		q := quotes[e.Symbol]
		sector := e.Sector
		if sector == "" {
			sector = "Unknown"
		}
		out = append(out, PopularStock{
			Symbol:        e.Symbol,
			Name:          q.Name,
			Exchange:      q.Exchange,
			Sector:        sector,
			MarketCap:     e.MarketCap(),
			Price:         q.Price,
			Change:        q.Change,
			ChangePercent: q.ChangePercent,
		})
	}
	return out, nil
}

func (p *Provider) resolve(sym, exchange string) (string, string, error) {
	s, err := symbol.Normalize(sym)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrSymbolNotFound, sym)
	}
	ex, err := symbol.NormalizeExchange(exchange)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return s, ex, nil
}

// fallback records a live failure. Lookups without a live client are silent.
func (p *Provider) fallback(op, subject string, err error) {
	if errors.Is(err, errLiveDisabled) {
		return
	}
	reason := ReasonTransport
	var pe *ProviderError
	if errors.As(err, &pe) {
		reason = pe.Reason
	}
	metrics.LiveFailures.WithLabelValues(op, string(reason)).Inc()
	if reason == ReasonBreakerOpen {
		slog.Debug("live provider skipped, circuit open", "op", op, "subject", subject)
		return
	}
	slog.Warn("live market data failed, using synthetic", "op", op, "subject", subject, "reason", reason, "err", err)
}

// callLive runs fn against the live client under the breaker, the rate
// limiter and the live timeout. Every failure comes back as a *ProviderError.
func callLive[T any](ctx context.Context, p *Provider, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.live == nil {
		return zero, errLiveDisabled
	}
	if !p.breaker.Allow() {
		return zero, &ProviderError{Op: op, Reason: ReasonBreakerOpen}
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	if err := p.limiter.Wait(cctx); err != nil {
		p.breaker.Abort()
		return zero, &ProviderError{Op: op, Reason: ReasonTimeout, Err: err}
	}
	metrics.RateLimitWait.Observe(time.Since(start).Seconds())

	v, err := fn(cctx)
	if err != nil && ctx.Err() != nil {
		// The caller went away; says nothing about the provider.
		p.breaker.Abort()
		return zero, &ProviderError{Op: op, Reason: ReasonTimeout, Err: err}
	}
	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			reason := ReasonTransport
			if cctx.Err() != nil {
				reason = ReasonTimeout
			}
			err = &ProviderError{Op: op, Reason: reason, Err: err}
		}
		p.breaker.Record(err)
		return zero, err
	}
	p.breaker.Record(nil)
	return v, nil
}
