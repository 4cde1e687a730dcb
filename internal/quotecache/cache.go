// Package quotecache memoizes market-data lookups for a fixed time-to-live.
//
// Entries are keyed by operation name plus the sorted parameter set and hold a
// JSON payload snapshot with its fetch time. Freshness is judged against the
// TTL of the entry's kind (quotes expire fast, history slowly). Backends must
// be safe for concurrent use per key; no lock spans keys.
package quotecache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Kind selects the TTL applied to an entry.
type Kind string

const (
	KindQuote   Kind = "quote"
	KindHistory Kind = "historical"
	KindSearch  Kind = "search"
)

// TTLs maps each kind to its time-to-live.
type TTLs map[Kind]time.Duration

// DefaultTTLs are 10 seconds for quotes and one hour for history and search.
func DefaultTTLs() TTLs {
	return TTLs{
		KindQuote:   10 * time.Second,
		KindHistory: 60 * time.Minute,
		KindSearch:  60 * time.Minute,
	}
}

// Entry is a cached payload and the time it was fetched.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Backend stores entries. Get reports ok=false on a miss.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// sweeper is implemented by backends that need help dropping expired entries.
type sweeper interface {
	Sweep(now time.Time) int
}

// sweepEvery is the number of stores between sweeps of a sweeper backend.
const sweepEvery = 1024

// Key builds the deterministic cache key "op:k1=v1:k2=v2" with params sorted by name.
func Key(op string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(op)
	for _, k := range names {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Cache applies TTL policy over a Backend.
type Cache struct {
	backend Backend
	ttls    TTLs
	now     func() time.Time
	stores  atomic.Uint64
}

// New creates a cache. A nil now uses time.Now; kinds missing from ttls use
// DefaultTTLs.
func New(backend Backend, ttls TTLs, now func() time.Time) *Cache {
	merged := DefaultTTLs()
	for k, v := range ttls {
		merged[k] = v
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{backend: backend, ttls: merged, now: now}
}

// TTL returns the time-to-live of a kind.
func (c *Cache) TTL(kind Kind) time.Duration {
	return c.ttls[kind]
}

// Lookup decodes a fresh entry into dst and reports whether it did.
// Backend or decoding failures are logged and count as a miss.
func (c *Cache) Lookup(ctx context.Context, kind Kind, key string, dst any) bool {
	e, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		slog.Warn("quote cache read failed", "key", key, "err", err)
		return false
	}
	if !ok {
		return false
	}
	if c.now().Sub(e.FetchedAt) >= c.ttls[kind] {
		return false
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		slog.Warn("quote cache entry undecodable", "key", key, "err", err)
		_ = c.backend.Delete(ctx, key)
		return false
	}
	return true
}

// Store writes v under key stamped with the current time.
func (c *Cache) Store(ctx context.Context, kind Kind, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("quote cache encode failed", "key", key, "err", err)
		return
	}
	now := c.now()
	if err := c.backend.Set(ctx, key, Entry{Payload: data, FetchedAt: now}, c.ttls[kind]); err != nil {
		slog.Warn("quote cache write failed", "key", key, "err", err)
		return
	}
	if sw, ok := c.backend.(sweeper); ok && c.stores.Add(1)%sweepEvery == 0 {
		if n := sw.Sweep(now); n > 0 {
			slog.Debug("quote cache swept", "expired", n)
		}
	}
}
