// Package trade executes buy/sell orders against per-user portfolio ledgers
// and aggregates portfolio performance from live or synthetic quotes.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/growledge/trading-engine/internal/ledger"
	"github.com/growledge/trading-engine/internal/metrics"
	"github.com/growledge/trading-engine/internal/model"
	"github.com/growledge/trading-engine/internal/store"
	"github.com/growledge/trading-engine/internal/symbol"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("trade: invalid request")

	ErrInsufficientFunds  = ledger.ErrInsufficientFunds
	ErrInsufficientShares = ledger.ErrInsufficientShares

	// ErrLedgerBusy is returned when every commit attempt lost a version race.
	ErrLedgerBusy = errors.New("trade: ledger changed concurrently, retries exhausted")
)

// DefaultMaxAttempts bounds commits retried after a version conflict.
const DefaultMaxAttempts = 3

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	UserID   string          `json:"user_id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"` // "BUY" or "SELL", any case
	Quantity decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
}

// TradeResult is the committed trade and the ledger it produced.
type TradeResult struct {
	Trade     model.TradeRecord `json:"trade"`
	Portfolio *model.Portfolio  `json:"portfolio"`
}

// Notifier is told about every committed trade. Implementations must not block.
type Notifier interface {
	TradeExecuted(t model.TradeRecord, p *model.Portfolio)
}

// Options tunes an Executor. Zero values select the defaults.
type Options struct {
	StartingCash decimal.Decimal
	MaxAttempts  int
	Notifier     Notifier
	Now          func() time.Time
}

// Executor validates and commits trades. Trades for one user are serialised
// by an in-process per-user lock; the store's version check catches writers
// in other processes, and a lost race is retried from a fresh read.
type Executor struct {
	store        store.Store
	startingCash decimal.Decimal
	maxAttempts  int
	notifier     Notifier
	now          func() time.Time
	locks        userLocks
}

// NewExecutor creates an executor over st.
func NewExecutor(st store.Store, opts Options) *Executor {
	if !opts.StartingCash.IsPositive() {
		opts.StartingCash = ledger.DefaultStartingCash
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		store:        st,
		startingCash: opts.StartingCash,
		maxAttempts:  opts.MaxAttempts,
		notifier:     opts.Notifier,
		now:          opts.Now,
		locks:        userLocks{held: make(map[string]*userLock)},
	}
}

// StartingCash is the balance every new ledger is seeded with.
func (e *Executor) StartingCash() decimal.Decimal {
	return e.startingCash
}

// PlaceTrade validates req, applies it to the user's ledger and commits the
// new ledger together with the trade record. A rejected trade leaves both the
// ledger and the trade log untouched.
func (e *Executor) PlaceTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	start := time.Now()
	order, err := validate(req)
	if err != nil {
		metrics.TradesTotal.WithLabelValues("unknown", "invalid").Inc()
		return nil, err
	}
	side := string(order.Side)

	unlock, err := e.locks.lock(ctx, order.UserID)
	if err != nil {
		metrics.TradesTotal.WithLabelValues(side, "error").Inc()
		return nil, err
	}
	defer unlock()

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		current, err := e.loadOrCreate(ctx, order.UserID)
		if err != nil {
			metrics.TradesTotal.WithLabelValues(side, "error").Inc()
			return nil, err
		}

		rec := order
		rec.ID = uuid.New().String()
		rec.Timestamp = e.now().UTC()
		rec.Sequence = current.Version + 1

		next, err := ledger.Apply(current, &rec)
		if err != nil {
			metrics.TradesTotal.WithLabelValues(side, "rejected").Inc()
			slog.Info("trade rejected",
				"user", rec.UserID,
				"symbol", rec.Symbol,
				"side", side,
				"qty", rec.Quantity.String(),
				"price", rec.Price.String(),
				"reason", err,
			)
			return nil, err
		}

		err = e.store.CommitTrade(ctx, next, current.Version, &rec)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.TradeConflicts.Inc()
			slog.Warn("ledger version conflict, retrying", "user", rec.UserID, "attempt", attempt)
			continue
		}
		if err != nil {
			metrics.TradesTotal.WithLabelValues(side, "error").Inc()
			return nil, fmt.Errorf("commit trade for %s: %w", rec.UserID, err)
		}

		metrics.TradesTotal.WithLabelValues(side, "filled").Inc()
		metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
		metrics.TradedValue.WithLabelValues(rec.Symbol, side).Add(rec.Value().InexactFloat64())

		slog.Info("trade executed",
			"trade_id", rec.ID,
			"user", rec.UserID,
			"symbol", rec.Symbol,
			"side", side,
			"qty", rec.Quantity.String(),
			"price", rec.Price.String(),
			"cash", next.CashBalance.String(),
			"version", next.Version,
		)

		if e.notifier != nil {
			e.notifier.TradeExecuted(rec, next.Clone())
		}
		return &TradeResult{Trade: rec, Portfolio: next}, nil
	}

	metrics.TradesTotal.WithLabelValues(side, "error").Inc()
	return nil, fmt.Errorf("commit trade for %s after %d attempts: %w", order.UserID, e.maxAttempts, ErrLedgerBusy)
}

// Portfolio returns the user's ledger, creating it on first access.
func (e *Executor) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	uid, err := validateUser(userID)
	if err != nil {
		return nil, err
	}
	return e.loadOrCreate(ctx, uid)
}

// Trades returns the user's trade log, newest first.
func (e *Executor) Trades(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	uid, err := validateUser(userID)
	if err != nil {
		return nil, err
	}
	trades, err := e.store.ListTrades(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", uid, err)
	}
	return trades, nil
}

// Reconciliation compares a stored ledger with the replay of its trade log.
type Reconciliation struct {
	UserID     string           `json:"user_id"`
	Consistent bool             `json:"consistent"`
	TradeCount int              `json:"trade_count"`
	Stored     *model.Portfolio `json:"stored"`
	Replayed   *model.Portfolio `json:"replayed"`
	Repaired   bool             `json:"repaired"`
}

// Reconcile replays the user's trade log from the starting cash and compares
// the result with the stored ledger. With repair set, a mismatching ledger is
// replaced by the replay, conditional on the version it was compared against;
// a trade committed meanwhile by another process forces a fresh comparison.
func (e *Executor) Reconcile(ctx context.Context, userID string, repair bool) (*Reconciliation, error) {
	uid, err := validateUser(userID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.lock(ctx, uid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		rec, err := e.compare(ctx, uid)
		if err != nil {
			return nil, err
		}
		if rec.Consistent || !repair {
			return &rec.Reconciliation, nil
		}

		fixed := rec.Replayed.Clone()
		fixed.UpdatedAt = e.now().UTC()
		for _, t := range rec.trades {
			if t.Sequence >= fixed.Version {
				fixed.Version = t.Sequence + 1
			}
		}
		if rec.Stored == nil {
			err = e.store.CreatePortfolio(ctx, fixed)
		} else {
			fixed.CreatedAt = rec.Stored.CreatedAt
			if fixed.Version <= rec.Stored.Version {
				fixed.Version = rec.Stored.Version + 1
			}
			err = e.store.ReplacePortfolio(ctx, fixed, rec.Stored.Version)
		}
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrPortfolioExists) {
			metrics.TradeConflicts.Inc()
			slog.Warn("ledger changed during repair, retrying", "user", uid, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: repair: %w", uid, err)
		}

		slog.Warn("ledger repaired from trade log",
			"user", uid,
			"trades", rec.TradeCount,
			"cash", fixed.CashBalance.String(),
			"version", fixed.Version,
		)
		rec.Replayed = fixed
		rec.Repaired = true
		return &rec.Reconciliation, nil
	}
	return nil, fmt.Errorf("reconcile %s after %d attempts: %w", uid, e.maxAttempts, ErrLedgerBusy)
}

type comparison struct {
	Reconciliation
	trades []model.TradeRecord
}

// compare reads the stored ledger and its trade log and replays the log.
func (e *Executor) compare(ctx context.Context, uid string) (*comparison, error) {
	stored, err := e.store.GetPortfolio(ctx, uid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("reconcile %s: %w", uid, err)
	}
	trades, err := e.store.ListTrades(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", uid, err)
	}
	replayed, err := ledger.Replay(uid, e.startingCash, trades)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", uid, err)
	}

	c := &comparison{
		Reconciliation: Reconciliation{
			UserID:     uid,
			TradeCount: len(trades),
			Stored:     stored,
			Replayed:   replayed,
		},
		trades: trades,
	}
	if stored == nil {
		c.Consistent = len(trades) == 0
	} else {
		c.Consistent = ledger.Equal(stored, replayed)
	}
	return c, nil
}

// loadOrCreate reads the user's ledger, seeding a new one on first use. A
// concurrent creator in another process wins; its ledger is read back.
func (e *Executor) loadOrCreate(ctx context.Context, uid string) (*model.Portfolio, error) {
	p, err := e.store.GetPortfolio(ctx, uid)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load portfolio %s: %w", uid, err)
	}

	fresh := ledger.New(uid, e.startingCash, e.now().UTC())
	err = e.store.CreatePortfolio(ctx, fresh)
	if errors.Is(err, store.ErrPortfolioExists) {
		if p, err = e.store.GetPortfolio(ctx, uid); err != nil {
			return nil, fmt.Errorf("load portfolio %s: %w", uid, err)
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create portfolio %s: %w", uid, err)
	}
	slog.Info("portfolio created", "user", uid, "cash", fresh.CashBalance.String())
	return fresh, nil
}

// validate normalises req into a trade record without id, time or sequence.
func validate(req TradeRequest) (model.TradeRecord, error) {
	uid, err := validateUser(req.UserID)
	if err != nil {
		return model.TradeRecord{}, err
	}
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		return model.TradeRecord{}, &ValidationError{Field: "symbol", Reason: "must be a ticker such as RELIANCE"}
	}
	side := model.Side(strings.ToUpper(strings.TrimSpace(req.Side)))
	if !side.Valid() {
		return model.TradeRecord{}, &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if !req.Quantity.IsPositive() {
		return model.TradeRecord{}, &ValidationError{Field: "qty", Reason: "must be positive"}
	}
	if !req.Price.IsPositive() {
		return model.TradeRecord{}, &ValidationError{Field: "price", Reason: "must be positive"}
	}
	return model.TradeRecord{
		UserID:   uid,
		Symbol:   sym,
		Side:     side,
		Quantity: req.Quantity,
		Price:    req.Price,
	}, nil
}

func validateUser(userID string) (string, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return "", &ValidationError{Field: "user_id", Reason: "is required"}
	}
	return uid, nil
}

// userLocks hands out one lock per user. Entries are dropped once no
// goroutine holds or waits for them.
type userLocks struct {
	mu   sync.Mutex
	held map[string]*userLock
}

// userLock is a one-slot semaphore so waiters can give up on cancellation.
type userLock struct {
	sem  chan struct{}
	refs int
}

// lock blocks until uid's lock is free or ctx is done.
func (l *userLocks) lock(ctx context.Context, uid string) (unlock func(), err error) {
	l.mu.Lock()
	ul, ok := l.held[uid]
	if !ok {
		ul = &userLock{sem: make(chan struct{}, 1)}
		l.held[uid] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.sem <- struct{}{}:
		return func() {
			<-ul.sem
			l.release(uid, ul)
		}, nil
	case <-ctx.Done():
		l.release(uid, ul)
		return nil, fmt.Errorf("wait for ledger lock %s: %w", uid, ctx.Err())
	}
}

func (l *userLocks) release(uid string, ul *userLock) {
	l.mu.Lock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.held, uid)
	}
	l.mu.Unlock()
}
