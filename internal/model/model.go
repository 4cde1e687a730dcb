// Package model defines the core domain types shared across the trading engine.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Quote sources.
const (
	SourceLive      = "live"
	SourceSynthetic = "synthetic"
)

// Quote is a point-in-time price snapshot for a symbol. A newer fetch
// supersedes it; it is never mutated.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        int64           `json:"volume"`
	Timestamp     time.Time       `json:"timestamp"`
	Exchange      string          `json:"exchange"`
	Source        string          `json:"source"` // "live" or "synthetic"
}

// HistoricalBar is one OHLC bar. Series are ordered oldest first.
type HistoricalBar struct {
	Timestamp time.Time       `json:"datetime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// SearchResult is one hit of a symbol search.
type SearchResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Type     string `json:"type"`
	Currency string `json:"currency"`
}

// Portfolio is the mutable cash + holdings ledger for one user. It is a
// materialized projection of the user's trade log and changes only together
// with an appended TradeRecord.
type Portfolio struct {
	UserID      string                     `json:"user_id" db:"user_id"`
	CashBalance decimal.Decimal            `json:"cash_balance" db:"cash_balance"`
	Holdings    map[string]decimal.Decimal `json:"holdings" db:"holdings"` // symbol → qty, always > 0
	Version     int64                      `json:"version" db:"version"`   // bumped by every committed trade
	CreatedAt   time.Time                  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate holdings freely.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Holdings = make(map[string]decimal.Decimal, len(p.Holdings))
	for sym, qty := range p.Holdings {
		c.Holdings[sym] = qty
	}
	return &c
}

// TradeRecord is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type TradeRecord struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      Side            `json:"side" db:"side"`
	Quantity  decimal.Decimal `json:"qty" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Sequence  int64           `json:"seq" db:"seq"` // ledger version this trade produced
}

// Value returns quantity × price.
func (t *TradeRecord) Value() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// HoldingPerformance is the valuation of one held symbol.
type HoldingPerformance struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Quantity      decimal.Decimal `json:"quantity"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

// HoldingsPerformance is the valuation of a holdings map without cash.
type HoldingsPerformance struct {
	TotalValue decimal.Decimal      `json:"total_value"`
	Holdings   []HoldingPerformance `json:"holdings_performance"`
}

// AllocationLine is one slice of the portfolio distribution.
type AllocationLine struct {
	Name       string          `json:"name"`
	Value      decimal.Decimal `json:"value"`
	Percentage decimal.Decimal `json:"percentage"`
}

// PortfolioPerformance aggregates valuation, gain/loss and allocation for a user.
type PortfolioPerformance struct {
	UserID               string               `json:"user_id"`
	TotalValue           decimal.Decimal      `json:"total_value"`
	CashBalance          decimal.Decimal      `json:"cash_balance"`
	TotalInvested        decimal.Decimal      `json:"total_invested"` // market value of holdings
	TotalGainLoss        decimal.Decimal      `json:"total_gain_loss"`
	TotalGainLossPercent decimal.Decimal      `json:"total_gain_loss_percent"`
	Holdings             []HoldingPerformance `json:"holdings_performance"`
	Distribution         []AllocationLine     `json:"portfolio_distribution"`
	LastUpdated          time.Time            `json:"last_updated"`
}
