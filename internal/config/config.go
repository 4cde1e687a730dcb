// Package config loads server settings from the environment and the optional
// market data file (symbol catalog and synthetic price bands, YAML).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/growledge/trading-engine/internal/ledger"
	"github.com/growledge/trading-engine/internal/market"
	"github.com/growledge/trading-engine/internal/quotecache"
	"github.com/growledge/trading-engine/internal/symbol"
)

// DefaultBrokerURL is the brokerage REST endpoint used when BROKER_API_URL is unset.
const DefaultBrokerURL = "https://api.icicidirect.com/breezeapi/api/v1"

// Config holds every setting the server reads at startup.
type Config struct {
	Port     string
	LogLevel slog.Level

	DatabaseURL   string
	MongoURL      string
	MongoDatabase string
	RedisURL      string

	Broker   market.BrokerConfig
	DemoMode bool

	RatePerSecond    float64
	LiveTimeout      time.Duration
	QuoteTTL         time.Duration
	HistoryTTL       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	StartingCash decimal.Decimal

	// MarketFile is the YAML file the catalog was loaded from, if any.
	MarketFile string
	Catalog    *symbol.Catalog
}

// Load reads the configuration through getenv (os.Getenv in production).
// Malformed values are errors; missing ones take their defaults.
func Load(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}
	cfg := &Config{
		Port:          e.str("PORT", "8080"),
		DatabaseURL:   e.str("DATABASE_URL", ""),
		MongoURL:      e.str("MONGODB_URL", ""),
		MongoDatabase: e.str("MONGODB_DATABASE", "growledge"),
		RedisURL:      e.str("REDIS_URL", ""),
		Broker: market.BrokerConfig{
			BaseURL:      e.str("BROKER_API_URL", DefaultBrokerURL),
			APIKey:       e.str("BROKER_API_KEY", ""),
			APISecret:    e.str("BROKER_API_SECRET", ""),
			SessionToken: e.str("BROKER_SESSION_TOKEN", ""),
		},
		DemoMode:         e.flag("BROKER_DEMO_MODE", true),
		RatePerSecond:    e.number("RATE_LIMIT_PER_SECOND", market.DefaultRatePerSecond),
		LiveTimeout:      e.duration("LIVE_TIMEOUT", market.DefaultLiveTimeout),
		QuoteTTL:         time.Duration(e.integer("QUOTE_CACHE_SECONDS", 10)) * time.Second,
		HistoryTTL:       time.Duration(e.integer("HISTORY_CACHE_MINUTES", 60)) * time.Minute,
		BreakerThreshold: e.integer("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  e.duration("BREAKER_COOLDOWN", 30*time.Second),
		StartingCash:     e.amount("STARTING_CASH", ledger.DefaultStartingCash),
		MarketFile:       e.str("MARKET_CONFIG_FILE", ""),
	}

	if lvl := e.str("LOG_LEVEL", "info"); lvl != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			e.fail("LOG_LEVEL", lvl, err)
		}
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}

	switch {
	case cfg.RatePerSecond <= 0:
		return nil, fmt.Errorf("config: RATE_LIMIT_PER_SECOND must be positive")
	case !cfg.StartingCash.IsPositive():
		return nil, fmt.Errorf("config: STARTING_CASH must be positive")
	case cfg.QuoteTTL <= 0 || cfg.HistoryTTL <= 0:
		return nil, fmt.Errorf("config: cache TTLs must be positive")
	}

	cfg.Catalog = symbol.DefaultCatalog()
	if cfg.MarketFile != "" {
		catalog, err := LoadCatalog(cfg.MarketFile)
		if err != nil {
			return nil, err
		}
		cfg.Catalog = catalog
	}
	return cfg, nil
}

// LiveConfigured reports whether the live market client should be used:
// all credentials present and demo mode off.
func (c *Config) LiveConfigured() bool {
	return !c.DemoMode && c.Broker.Configured()
}

// CacheTTLs returns the quote cache lifetimes. Search shares the history TTL.
func (c *Config) CacheTTLs() quotecache.TTLs {
	return quotecache.TTLs{
		quotecache.KindQuote:   c.QuoteTTL,
		quotecache.KindHistory: c.HistoryTTL,
		quotecache.KindSearch:  c.HistoryTTL,
	}
}

// LoadCatalog reads a market data file. Lists present in the file replace
// the built-in ones; bands are merged over the built-in table.
//
//	domestic:
//	  - {symbol: RELIANCE, name: Reliance Industries Ltd., exchange: NSE, sector: Energy, large_cap: true}
//	international:
//	  - {symbol: AAPL, name: Apple Inc., exchange: NASDAQ}
//	bands:
//	  RELIANCE: {base: 2500, range: 100}
func LoadCatalog(path string) (*symbol.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read market file: %w", err)
	}
	var file symbol.Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse market file %s: %w", path, err)
	}

	catalog := symbol.DefaultCatalog()
	if len(file.Domestic) > 0 {
		catalog.Domestic = file.Domestic
	}
	if len(file.International) > 0 {
		catalog.International = file.International
	}
	for sym, band := range file.Bands {
		s, err := symbol.Normalize(sym)
		if err != nil {
			return nil, fmt.Errorf("config: market file band %q: %w", sym, err)
		}
		if band.Base <= 0 || band.Range < 0 {
			return nil, fmt.Errorf("config: market file band %s: base must be positive and range non-negative", s)
		}
		catalog.Bands[s] = band
	}
	for _, list := range [][]symbol.Entry{catalog.Domestic, catalog.International} {
		for i, entry := range list {
			s, err := symbol.Normalize(entry.Symbol)
			if err != nil {
				return nil, fmt.Errorf("config: market file entry: %w", err)
			}
			ex, err := symbol.NormalizeExchange(entry.Exchange)
			if err != nil {
				return nil, fmt.Errorf("config: market file entry %s: %w", s, err)
			}
			list[i].Symbol, list[i].Exchange = s, ex
		}
	}
	return catalog, nil
}

// env reads typed variables and collects parse errors.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) fail(key, raw string, err error) {
	e.errs = append(e.errs, fmt.Errorf("config: %s=%q: %w", key, raw, err))
}

func (e *env) integer(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return f
}

func (e *env) flag(key string, def bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return d
}

func (e *env) amount(key string, def decimal.Decimal) decimal.Decimal {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return d
}
