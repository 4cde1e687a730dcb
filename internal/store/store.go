// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL and MongoDB (sources of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/growledge/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when a user has no portfolio yet.
	ErrNotFound = errors.New("store: not found")

	// ErrPortfolioExists is returned by CreatePortfolio when the user already has one.
	ErrPortfolioExists = errors.New("store: portfolio already exists")

	// ErrVersionConflict is returned by CommitTrade and ReplacePortfolio
	// when the stored ledger moved on since it was read.
	ErrVersionConflict = errors.New("store: portfolio version conflict")
)

// Store is the persistence interface. A portfolio is the materialized fold of
// its user's trade log; the two only change together through CommitTrade.
type Store interface {
	// --- Portfolios ---

	// GetPortfolio returns the user's ledger or ErrNotFound.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// CreatePortfolio inserts a new ledger, or returns ErrPortfolioExists.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// ReplacePortfolio overwrites the ledger without appending a trade,
	// provided the stored version still equals expectedVersion. Otherwise
	// (or when there is no ledger) nothing is written and ErrVersionConflict
	// is returned. Used to repair a ledger from its trade log.
	ReplacePortfolio(ctx context.Context, p *model.Portfolio, expectedVersion int64) error

	// CommitTrade atomically replaces the ledger and appends the trade that
	// produced it, provided the stored version still equals expectedVersion.
	// Otherwise nothing is written and ErrVersionConflict is returned.
	CommitTrade(ctx context.Context, p *model.Portfolio, expectedVersion int64, t *model.TradeRecord) error

	// --- Immutable trade log ---

	// AppendTrade appends a trade record without touching the ledger.
	AppendTrade(ctx context.Context, t *model.TradeRecord) error

	// ListTrades returns the user's trades, newest first.
	ListTrades(ctx context.Context, userID string) ([]model.TradeRecord, error)
}
