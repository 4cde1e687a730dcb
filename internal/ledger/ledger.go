// Package ledger implements the portfolio ledger rules: how one trade changes
// a user's cash balance and holdings, and how a trade log folds back into a
// ledger. Everything here is pure; persistence and locking live elsewhere.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/growledge/trading-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a BUY costs more than the cash balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientShares is returned when a SELL exceeds the held quantity.
	ErrInsufficientShares = errors.New("ledger: insufficient shares to sell")

	// ErrInvalidTrade is returned for non-positive quantity/price or an unknown side.
	ErrInvalidTrade = errors.New("ledger: invalid trade")
)

// DefaultStartingCash seeds every new ledger unless configured otherwise.
var DefaultStartingCash = decimal.NewFromInt(500000)

// New creates an empty ledger seeded with startingCash.
func New(userID string, startingCash decimal.Decimal, now time.Time) *model.Portfolio {
	return &model.Portfolio{
		UserID:      userID,
		CashBalance: startingCash,
		Holdings:    make(map[string]decimal.Decimal),
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Check validates a trade against a ledger without changing anything.
func Check(p *model.Portfolio, side model.Side, symbol string, qty, price decimal.Decimal) error {
	if !qty.IsPositive() || !price.IsPositive() {
		return fmt.Errorf("%w: quantity and price must be positive", ErrInvalidTrade)
	}
	switch side {
	case model.SideBuy:
		if p.CashBalance.LessThan(qty.Mul(price)) {
			return ErrInsufficientFunds
		}
	case model.SideSell:
		if p.Holdings[symbol].LessThan(qty) {
			return ErrInsufficientShares
		}
	default:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidTrade, side)
	}
	return nil
}

// Apply returns the ledger that results from executing t against p. p is not
// modified. The result carries Version+1 and UpdatedAt = t.Timestamp.
// A SELL that brings a holding to exactly zero removes the symbol.
func Apply(p *model.Portfolio, t *model.TradeRecord) (*model.Portfolio, error) {
	if err := Check(p, t.Side, t.Symbol, t.Quantity, t.Price); err != nil {
		return nil, err
	}

	next := p.Clone()
	value := t.Value()

	if t.Side == model.SideBuy {
		next.CashBalance = next.CashBalance.Sub(value)
		next.Holdings[t.Symbol] = next.Holdings[t.Symbol].Add(t.Quantity)
	} else {
		next.CashBalance = next.CashBalance.Add(value)
		remaining := next.Holdings[t.Symbol].Sub(t.Quantity)
		if remaining.IsZero() {
			delete(next.Holdings, t.Symbol)
		} else {
			next.Holdings[t.Symbol] = remaining
		}
	}

	next.Version = p.Version + 1
	next.UpdatedAt = t.Timestamp
	return next, nil
}

// Replay folds a trade log into a fresh ledger seeded with startingCash.
// Trades may arrive in any order; they are applied in commit order
// (sequence), ties on sequence broken by timestamp. Timestamps come from the
// committing process's clock and are not trusted to order trades.
func Replay(userID string, startingCash decimal.Decimal, trades []model.TradeRecord) (*model.Portfolio, error) {
	ordered := make([]model.TradeRecord, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Sequence != ordered[j].Sequence {
			return ordered[i].Sequence < ordered[j].Sequence
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	created := time.Time{}
	if len(ordered) > 0 {
		created = ordered[0].Timestamp
	}
	p := New(userID, startingCash, created)

	for i := range ordered {
		next, err := Apply(p, &ordered[i])
		if err != nil {
			return nil, fmt.Errorf("replay trade %s: %w", ordered[i].ID, err)
		}
		p = next
	}
	return p, nil
}

// Equal reports whether two ledgers hold the same cash and holdings.
// Versions and timestamps are ignored.
func Equal(a, b *model.Portfolio) bool {
	if !a.CashBalance.Equal(b.CashBalance) || len(a.Holdings) != len(b.Holdings) {
		return false
	}
	for sym, qty := range a.Holdings {
		other, ok := b.Holdings[sym]
		if !ok || !qty.Equal(other) {
			return false
		}
	}
	return true
}
