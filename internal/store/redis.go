package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/growledge/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or MongoDB) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary. A stale
// cached ledger only costs a version conflict, after which the entry is
// dropped and the retry reads the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.CreatePortfolio(ctx, p); err != nil {
		if errors.Is(err, ErrPortfolioExists) {
			s.rdb.Del(ctx, portfolioKey(p.UserID))
		}
		return err
	}
	s.cachePortfolio(ctx, p)
	return nil
}

func (s *CachedStore) ReplacePortfolio(ctx context.Context, p *model.Portfolio, expectedVersion int64) error {
	err := s.primary.ReplacePortfolio(ctx, p, expectedVersion)
	s.rdb.Del(ctx, portfolioKey(p.UserID))
	return err
}

func (s *CachedStore) CommitTrade(ctx context.Context, p *model.Portfolio, expectedVersion int64, t *model.TradeRecord) error {
	err := s.primary.CommitTrade(ctx, p, expectedVersion, t)
	// Invalidate on success and on conflict alike; next read will re-populate.
	s.rdb.Del(ctx, portfolioKey(p.UserID), tradesKey(t.UserID))
	return err
}

func (s *CachedStore) AppendTrade(ctx context.Context, t *model.TradeRecord) error {
	if err := s.primary.AppendTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradesKey(t.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, portfolioKey(userID)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil && p.Holdings != nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cachePortfolio(ctx, p)
	return p, nil
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, tradesKey(userID)).Bytes()
	if err == nil {
		var trades []model.TradeRecord
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	// Cache miss.
	trades, err := s.primary.ListTrades(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesKey(userID), data, s.ttl)
	}
	return trades, nil
}

// --- Cache helpers ---

func (s *CachedStore) cachePortfolio(ctx context.Context, p *model.Portfolio) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, portfolioKey(p.UserID), data, s.ttl)
	}
}

func portfolioKey(uid string) string { return fmt.Sprintf("portfolio:%s", uid) }
func tradesKey(uid string) string    { return fmt.Sprintf("trades:%s", uid) }
