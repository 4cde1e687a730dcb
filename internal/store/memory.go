package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/growledge/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	portfolios map[string]*model.Portfolio
	trades     map[string][]model.TradeRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[string]*model.Portfolio),
		trades:     make(map[string][]model.TradeRecord),
	}
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
	}
	// Hand out a copy to avoid external mutation.
	return p.Clone(), nil
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.UserID]; ok {
		return fmt.Errorf("portfolio %s: %w", p.UserID, ErrPortfolioExists)
	}
	s.portfolios[p.UserID] = p.Clone()
	return nil
}

func (s *MemoryStore) ReplacePortfolio(_ context.Context, p *model.Portfolio, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.portfolios[p.UserID]
	if !ok || current.Version != expectedVersion {
		return fmt.Errorf("portfolio %s at version %d: %w", p.UserID, expectedVersion, ErrVersionConflict)
	}
	s.portfolios[p.UserID] = p.Clone()
	return nil
}

func (s *MemoryStore) CommitTrade(_ context.Context, p *model.Portfolio, expectedVersion int64, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.portfolios[p.UserID]
	if !ok || current.Version != expectedVersion {
		return fmt.Errorf("portfolio %s at version %d: %w", p.UserID, expectedVersion, ErrVersionConflict)
	}
	s.portfolios[p.UserID] = p.Clone()
	s.trades[t.UserID] = append(s.trades[t.UserID], *t)
	return nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[t.UserID] = append(s.trades[t.UserID], *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.TradeRecord, len(s.trades[userID]))
	copy(result, s.trades[userID])
	sortNewestFirst(result)
	return result, nil
}

// sortNewestFirst orders trades by timestamp descending, ties by sequence.
func sortNewestFirst(trades []model.TradeRecord) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].Timestamp.Equal(trades[j].Timestamp) {
			return trades[i].Timestamp.After(trades[j].Timestamp)
		}
		return trades[i].Sequence > trades[j].Sequence
	})
}
