package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/growledge/trading-engine/internal/model"
)

// Schema is the PostgreSQL schema applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	user_id      TEXT PRIMARY KEY,
	cash_balance NUMERIC NOT NULL CHECK (cash_balance >= 0),
	holdings     JSONB NOT NULL DEFAULT '{}'::JSONB,
	version      BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id        TEXT PRIMARY KEY,
	user_id   TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	side      TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity  NUMERIC NOT NULL CHECK (quantity > 0),
	price     NUMERIC NOT NULL CHECK (price > 0),
	timestamp TIMESTAMPTZ NOT NULL,
	seq       BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS trades_user_time_idx ON trades (user_id, timestamp DESC, seq DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// holdings are a JSONB object of symbol → quantity string.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash, holdings string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, holdings::TEXT, version, created_at, updated_at
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&p.UserID, &cash, &holdings, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	if p.CashBalance, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("portfolio %s cash: %w", userID, err)
	}
	if p.Holdings, err = decodeHoldings(holdings); err != nil {
		return nil, fmt.Errorf("portfolio %s holdings: %w", userID, err)
	}
	return &p, nil
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	holdings, err := encodeHoldings(p.Holdings)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (user_id, cash_balance, holdings, version, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::JSONB, $4, $5, $6)
		 ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, p.CashBalance.String(), holdings, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create portfolio %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %s: %w", p.UserID, ErrPortfolioExists)
	}
	return nil
}

func (s *PostgresStore) ReplacePortfolio(ctx context.Context, p *model.Portfolio, expectedVersion int64) error {
	holdings, err := encodeHoldings(p.Holdings)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolios
		 SET cash_balance = $2::NUMERIC, holdings = $3::JSONB, version = $4, updated_at = $5
		 WHERE user_id = $1 AND version = $6`,
		p.UserID, p.CashBalance.String(), holdings, p.Version, p.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("replace portfolio %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %s at version %d: %w", p.UserID, expectedVersion, ErrVersionConflict)
	}
	return nil
}

func (s *PostgresStore) CommitTrade(ctx context.Context, p *model.Portfolio, expectedVersion int64, t *model.TradeRecord) error {
	holdings, err := encodeHoldings(p.Holdings)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("commit trade: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE portfolios
		 SET cash_balance = $2::NUMERIC, holdings = $3::JSONB, version = $4, updated_at = $5
		 WHERE user_id = $1 AND version = $6`,
		p.UserID, p.CashBalance.String(), holdings, p.Version, p.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("commit trade: update portfolio %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %s at version %d: %w", p.UserID, expectedVersion, ErrVersionConflict)
	}

	if err := insertTrade(ctx, tx, t); err != nil {
		return fmt.Errorf("commit trade: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTrade(ctx context.Context, t *model.TradeRecord) error {
	return insertTrade(ctx, s.pool, t)
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, side, quantity::TEXT, price::TEXT, timestamp, seq
		 FROM trades WHERE user_id = $1 ORDER BY timestamp DESC, seq DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list trades %s: %w", userID, err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertTrade(ctx context.Context, db execer, t *model.TradeRecord) error {
	_, err := db.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, side, quantity, price, timestamp, seq)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		t.ID, t.UserID, t.Symbol, string(t.Side),
		t.Quantity.String(), t.Price.String(), t.Timestamp, t.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// pgxRows is the subset of pgx.Rows read by scanTrades.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.TradeRecord, error) {
	trades := []model.TradeRecord{}
	for rows.Next() {
		var t model.TradeRecord
		var side, qtyS, priceS string

		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &side,
			&qtyS, &priceS, &t.Timestamp, &t.Sequence); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		var err error
		if t.Quantity, err = decimal.NewFromString(qtyS); err != nil {
			return nil, fmt.Errorf("trade %s quantity: %w", t.ID, err)
		}
		if t.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func encodeHoldings(h map[string]decimal.Decimal) (string, error) {
	if h == nil {
		h = map[string]decimal.Decimal{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode holdings: %w", err)
	}
	return string(data), nil
}

func decodeHoldings(s string) (map[string]decimal.Decimal, error) {
	h := make(map[string]decimal.Decimal)
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, err
	}
	return h, nil
}
