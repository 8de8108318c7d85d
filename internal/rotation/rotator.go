// Package rotation cycles quota-limited provider keys using a durable
// per-provider call counter.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/provider"
)

// CounterStore persists rotation counters.
type CounterStore interface {
	// Increment durably adds one to the counter for name and returns the
	// value it held before the increment. A missing counter starts at zero.
	Increment(ctx context.Context, name string) (int64, error)
}

// Rotator selects keys[counter % len(keys)] and advances the counter before
// the key is used. A crash between the increment and the call skips a key;
// it never reuses one.
type Rotator struct {
	store  CounterStore
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Rotator backed by store.
func New(store CounterStore, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{store: store, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (r *Rotator) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// NextKey returns the key to use for the next call to p.
func (r *Rotator) NextKey(ctx context.Context, p provider.Provider) (string, error) {
	keys := p.Keys()
	if len(keys) == 0 {
		return "", domain.ErrConfigMissing(fmt.Sprintf("provider %s has no keys to rotate", p.Name))
	}

	// Stores are atomic on their own; the per-provider lock also orders
	// callers within this process.
	l := r.lockFor(p.Name)
	l.Lock()
	counter, err := r.store.Increment(ctx, p.Name)
	l.Unlock()
	if err != nil {
		return "", domain.ErrStorage("failed to advance rotation counter", err)
	}

	idx := int(counter % int64(len(keys)))
	if idx < 0 {
		idx += len(keys)
	}
	r.logger.Debug("rotated provider key",
		slog.String("provider", p.Name),
		slog.Int64("counter", counter),
		slog.Int("key_index", idx))
	return keys[idx], nil
}

// MemoryStore keeps counters in process memory. Counters reset on restart.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]int64)}
}

func (m *MemoryStore) Increment(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.counters[name]
	m.counters[name] = prev + 1
	return prev, nil
}

// RedisStore keeps counters in Redis, shared by every process using the same keyspace.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore using keys "<prefix><provider>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rotation:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Increment(ctx context.Context, name string) (int64, error) {
	v, err := s.client.Incr(ctx, s.prefix+name).Result()
	if err != nil {
		return 0, fmt.Errorf("incr rotation counter %s: %w", name, err)
	}
	return v - 1, nil
}
