// Package storage provides the process-wide tenant registry and routing key
// statistics used by the edge middleware.
//
// Both stores are in-memory, read-mostly and safe for concurrent use.
// Configuration reloads invalidate the tenant registry explicitly through
// Replace; readers never observe a partially applied set of tenants.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shtcut/edge/pkg/domain"
)

// MemoryTenantStore is an in-memory implementation of domain.TenantStore.
type MemoryTenantStore struct {
	mu         sync.RWMutex
	tenants    map[string]domain.Tenant
	generation atomic.Int64
}

// NewMemoryTenantStore creates a store seeded with tenants.
func NewMemoryTenantStore(tenants ...domain.Tenant) *MemoryTenantStore {
	s := &MemoryTenantStore{tenants: make(map[string]domain.Tenant, len(tenants))}
	for _, t := range tenants {
		s.tenants[storeKey(t.Domain)] = t
	}
	return s
}

func storeKey(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// Get retrieves a tenant by its resolved domain.
func (s *MemoryTenantStore) Get(_ context.Context, tenantDomain string) (domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[storeKey(tenantDomain)]
	if !ok {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}
	return t, nil
}

// List returns all tenants ordered by domain.
func (s *MemoryTenantStore) List(_ context.Context) ([]domain.Tenant, error) {
	s.mu.RLock()
	out := make([]domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// Replace swaps the whole tenant set and bumps the generation.
func (s *MemoryTenantStore) Replace(_ context.Context, tenants []domain.Tenant) error {
	next := make(map[string]domain.Tenant, len(tenants))
	for _, t := range tenants {
		next[storeKey(t.Domain)] = t
	}

	s.mu.Lock()
	s.tenants = next
	s.mu.Unlock()

	s.generation.Add(1)
	return nil
}

// Generation counts Replace calls since construction.
func (s *MemoryTenantStore) Generation() int64 {
	return s.generation.Load()
}

// Close is a no-op for memory store.
func (s *MemoryTenantStore) Close() error {
	return nil
}

// KeyLookup is a per-key hit count by outcome.
type KeyLookup struct {
	FullKey    string    `json:"fullKey"`
	Outcome    string    `json:"outcome"`
	Count      int64     `json:"count"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type lookupID struct {
	fullKey string
	outcome string
}

// MemoryLookupStats aggregates routing key outcomes in memory. The number of
// distinct keys is bounded; once full, unseen keys are dropped.
type MemoryLookupStats struct {
	mu      sync.Mutex
	maxKeys int
	entries map[lookupID]*KeyLookup
	dropped atomic.Int64
	now     func() time.Time
}

const defaultMaxLookupKeys = 10000

// NewMemoryLookupStats creates a stats store holding at most maxKeys entries.
// Zero selects the default bound.
func NewMemoryLookupStats(maxKeys int) *MemoryLookupStats {
	if maxKeys <= 0 {
		maxKeys = defaultMaxLookupKeys
	}
	return &MemoryLookupStats{
		maxKeys: maxKeys,
		entries: make(map[lookupID]*KeyLookup),
		now:     time.Now,
	}
}

// RecordLookup increments the counter for fullKey and outcome.
func (s *MemoryLookupStats) RecordLookup(ctx context.Context, fullKey, outcome string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := lookupID{fullKey: fullKey, outcome: outcome}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		if len(s.entries) >= s.maxKeys {
			s.dropped.Add(1)
			return nil
		}
		entry = &KeyLookup{FullKey: fullKey, Outcome: outcome}
		s.entries[id] = entry
	}
	entry.Count++
	entry.LastSeenAt = s.now()
	return nil
}

// Lookups returns a snapshot of all counters, highest count first.
func (s *MemoryLookupStats) Lookups(_ context.Context) []KeyLookup {
	s.mu.Lock()
	out := make([]KeyLookup, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].FullKey != out[j].FullKey {
			return out[i].FullKey < out[j].FullKey
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out
}

// Dropped reports how many lookups were discarded because the store was full.
func (s *MemoryLookupStats) Dropped() int64 {
	return s.dropped.Load()
}
