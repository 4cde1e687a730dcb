package symbol

import (
	"strings"

	"github.com/growledge/trading-engine/internal/model"
)

// Entry is one tradable instrument in the catalog.
type Entry struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Name     string `yaml:"name" json:"name"`
	Exchange string `yaml:"exchange" json:"exchange"`
	Sector   string `yaml:"sector,omitempty" json:"sector,omitempty"`
	LargeCap bool   `yaml:"large_cap,omitempty" json:"-"`
}

// MarketCap returns the market-cap category label.
func (e Entry) MarketCap() string {
	if e.LargeCap {
		return "Large Cap"
	}
	return "Mid Cap"
}

// Band is the synthetic price configuration of a symbol: a base price and a
// volatility range, both in the symbol's quote currency.
type Band struct {
	Base  float64 `yaml:"base" json:"base"`
	Range float64 `yaml:"range" json:"range"`
}

// DefaultBand applies to symbols missing from the band table.
var DefaultBand = Band{Base: 1000, Range: 50}

// MaxSearchResults caps the size of a catalog search.
const MaxSearchResults = 10

// Catalog is the fixed symbol/name list plus the synthetic price table.
// It is read-only after construction.
type Catalog struct {
	Domestic      []Entry         `yaml:"domestic"`
	International []Entry         `yaml:"international"`
	Bands         map[string]Band `yaml:"bands"`
}

// Lookup finds a symbol in either list.
func (c *Catalog) Lookup(sym string) (Entry, bool) {
	for _, e := range c.Domestic {
		if e.Symbol == sym {
			return e, true
		}
	}
	for _, e := range c.International {
		if e.Symbol == sym {
			return e, true
		}
	}
	return Entry{}, false
}

// Name returns the display name of a symbol, or "<SYM> Corporation".
func (c *Catalog) Name(sym string) string {
	if e, ok := c.Lookup(sym); ok {
		return e.Name
	}
	return sym + " Corporation"
}

// Band returns the price band for sym, falling back to DefaultBand.
func (c *Catalog) Band(sym string) Band {
	if b, ok := c.Bands[sym]; ok && b.Base > 0 {
		return b
	}
	return DefaultBand
}

// Search matches query case-insensitively as a substring of symbol or name,
// domestic entries first, and returns at most limit results.
func (c *Catalog) Search(query string, limit int) []model.SearchResult {
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}
	q := strings.ToLower(strings.TrimSpace(query))
	results := make([]model.SearchResult, 0, limit)

	for _, list := range [][]Entry{c.Domestic, c.International} {
		for _, e := range list {
			if len(results) == limit {
				return results
			}
			if strings.Contains(strings.ToLower(e.Symbol), q) ||
				strings.Contains(strings.ToLower(e.Name), q) {
				results = append(results, model.SearchResult{
					Symbol:   e.Symbol,
					Name:     e.Name,
					Exchange: e.Exchange,
					Type:     "Equity",
					Currency: Currency(e.Exchange),
				})
			}
		}
	}
	return results
}

// Popular returns the first n domestic entries.
func (c *Catalog) Popular(n int) []Entry {
	if n > len(c.Domestic) {
		n = len(c.Domestic)
	}
	out := make([]Entry, n)
	copy(out, c.Domestic[:n])
	return out
}

// DefaultCatalog returns the built-in NSE list, a handful of US listings and
// their synthetic price bands (international prices converted to INR).
func DefaultCatalog() *Catalog {
	return &Catalog{
		Domestic: []Entry{
			{Symbol: "RELIANCE", Name: "Reliance Industries Ltd.", Exchange: ExchangeNSE, Sector: "Energy", LargeCap: true},
			{Symbol: "TCS", Name: "Tata Consultancy Services Ltd.", Exchange: ExchangeNSE, Sector: "Technology", LargeCap: true},
			{Symbol: "HDFCBANK", Name: "HDFC Bank Ltd.", Exchange: ExchangeNSE, Sector: "Banking", LargeCap: true},
			{Symbol: "INFY", Name: "Infosys Ltd.", Exchange: ExchangeNSE, Sector: "Technology", LargeCap: true},
			{Symbol: "HINDUNILVR", Name: "Hindustan Unilever Ltd.", Exchange: ExchangeNSE, Sector: "Consumer Goods", LargeCap: true},
			{Symbol: "ICICIBANK", Name: "ICICI Bank Ltd.", Exchange: ExchangeNSE, Sector: "Banking"},
			{Symbol: "KOTAKBANK", Name: "Kotak Mahindra Bank Ltd.", Exchange: ExchangeNSE, Sector: "Banking"},
			{Symbol: "BHARTIARTL", Name: "Bharti Airtel Ltd.", Exchange: ExchangeNSE, Sector: "Telecommunications"},
			{Symbol: "ITC", Name: "ITC Ltd.", Exchange: ExchangeNSE, Sector: "Consumer Goods"},
			{Symbol: "SBIN", Name: "State Bank of India", Exchange: ExchangeNSE, Sector: "Banking"},
			{Symbol: "BAJFINANCE", Name: "Bajaj Finance Ltd.", Exchange: ExchangeNSE, Sector: "Financial Services"},
			{Symbol: "ASIANPAINT", Name: "Asian Paints Ltd.", Exchange: ExchangeNSE, Sector: "Consumer Discretionary"},
			{Symbol: "MARUTI", Name: "Maruti Suzuki India Ltd.", Exchange: ExchangeNSE, Sector: "Automotive"},
			{Symbol: "TITAN", Name: "Titan Company Ltd.", Exchange: ExchangeNSE, Sector: "Consumer Discretionary"},
			{Symbol: "WIPRO", Name: "Wipro Ltd.", Exchange: ExchangeNSE, Sector: "Technology"},
		},
		International: []Entry{
			{Symbol: "AAPL", Name: "Apple Inc.", Exchange: ExchangeNASDAQ},
			{Symbol: "GOOGL", Name: "Alphabet Inc.", Exchange: ExchangeNASDAQ},
			{Symbol: "MSFT", Name: "Microsoft Corporation", Exchange: ExchangeNASDAQ},
			{Symbol: "TSLA", Name: "Tesla Inc.", Exchange: ExchangeNASDAQ},
			{Symbol: "AMZN", Name: "Amazon.com Inc.", Exchange: ExchangeNASDAQ},
		},
		Bands: map[string]Band{
			"RELIANCE":   {Base: 2500, Range: 100},
			"TCS":        {Base: 3800, Range: 150},
			"HDFCBANK":   {Base: 1650, Range: 80},
			"INFY":       {Base: 1500, Range: 75},
			"HINDUNILVR": {Base: 2400, Range: 120},
			"ICICIBANK":  {Base: 950, Range: 50},
			"KOTAKBANK":  {Base: 1800, Range: 90},
			"BHARTIARTL": {Base: 850, Range: 40},
			"ITC":        {Base: 450, Range: 25},
			"SBIN":       {Base: 650, Range: 30},
			"BAJFINANCE": {Base: 7500, Range: 300},
			"ASIANPAINT": {Base: 3200, Range: 160},
			"MARUTI":     {Base: 11000, Range: 500},
			"TITAN":      {Base: 3000, Range: 150},
			"WIPRO":      {Base: 450, Range: 25},
			"AAPL":       {Base: 15000, Range: 500},
			"GOOGL":      {Base: 145000, Range: 5000},
			"MSFT":       {Base: 34000, Range: 1200},
			"TSLA":       {Base: 21000, Range: 1000},
			"AMZN":       {Base: 15500, Range: 800},
			"META":       {Base: 50000, Range: 2000},
			"NVDA":       {Base: 13000, Range: 600},
		},
	}
}
