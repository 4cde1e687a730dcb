package quotecache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps entries in a sync.Map, so readers and writers of
// different keys never contend. Used when no Redis is configured.
type MemoryBackend struct {
	entries sync.Map // key → *memEntry
}

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	v, ok := m.entries.Load(key)
	if !ok {
		return Entry{}, false, nil
	}
	return v.(*memEntry).entry, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	m.entries.Store(key, &memEntry{entry: e, expiresAt: e.FetchedAt.Add(ttl)})
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.entries.Delete(key)
	return nil
}

// Sweep drops entries that expired before now and returns how many.
func (m *MemoryBackend) Sweep(now time.Time) int {
	n := 0
	m.entries.Range(func(k, v any) bool {
		if !now.Before(v.(*memEntry).expiresAt) {
			if m.entries.CompareAndDelete(k, v) {
				n++
			}
		}
		return true
	})
	return n
}

// Len returns the number of stored entries, fresh or not.
func (m *MemoryBackend) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
