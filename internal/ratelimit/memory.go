package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps a sliding log of call times per key in process memory.
// State is lost on restart and is not shared between processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*logEntry
}

type logEntry struct {
	mu    sync.Mutex
	times []time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*logEntry)}
}

func (m *MemoryStore) entry(key string) *logEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &logEntry{}
		m.entries[key] = e
	}
	return e
}

func (m *MemoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error) {
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prune(now.Add(-window))

	d := Decision{Limit: limit}
	if len(e.times) >= limit {
		d.Reset = e.times[0].Add(window)
		d.RetryAfter = d.Reset.Sub(now)
		return d, nil
	}

	e.times = append(e.times, now)
	d.Allowed = true
	d.Remaining = limit - len(e.times)
	d.Reset = e.times[0].Add(window)
	return d, nil
}

// prune drops calls at or before cutoff. Times are appended in order.
func (e *logEntry) prune(cutoff time.Time) {
	i := 0
	for i < len(e.times) && !e.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.times = append(e.times[:0], e.times[i:]...)
	}
}

// Sweep discards keys with no calls inside window and returns how many were
// removed.
func (m *MemoryStore) Sweep(now time.Time, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		e.mu.Lock()
		e.prune(now.Add(-window))
		empty := len(e.times) == 0
		e.mu.Unlock()
		if empty {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
