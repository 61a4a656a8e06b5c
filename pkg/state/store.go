// Package state holds the per-entity behavioral aggregates feeding the
// feature engine. The store is injectable so that it can be swapped for a
// shared backend (Redis) or checkpointed without touching feature logic.
package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// EntityState is the running aggregate for one entity (user/role). Counters
// are monotonically non-decreasing within a processing pass; the state is
// created lazily on the entity's first event and never deleted mid-run.
type EntityState struct {
	EntityID      string          `json:"entity_id"`
	LastSeen      time.Time       `json:"last_seen"`
	ActivityCount int             `json:"activity_count"`
	Services      map[string]bool `json:"services"`
	Origins       map[string]bool `json:"origins"`
	FailureCount  int             `json:"failure_count"`
}

// NewEntityState returns an empty state for an entity.
func NewEntityState(entityID string) *EntityState {
	return &EntityState{
		EntityID: entityID,
		Services: make(map[string]bool),
		Origins:  make(map[string]bool),
	}
}

// Observe folds one event into the aggregates. The caller must have read any
// prior-history features first; mutation for a given entity must be
// serialized.
func (s *EntityState) Observe(ts time.Time, service, origin string, failed bool) {
	s.ActivityCount++
	if service != "" {
		s.Services[service] = true
	}
	if origin != "" {
		s.Origins[origin] = true
	}
	if failed {
		s.FailureCount++
	}
	s.LastSeen = ts
}

// Clone returns a deep copy, used when handing state to concurrent readers.
func (s *EntityState) Clone() *EntityState {
	cp := &EntityState{
		EntityID:      s.EntityID,
		LastSeen:      s.LastSeen,
		ActivityCount: s.ActivityCount,
		FailureCount:  s.FailureCount,
		Services:      make(map[string]bool, len(s.Services)),
		Origins:       make(map[string]bool, len(s.Origins)),
	}
	for k := range s.Services {
		cp.Services[k] = true
	}
	for k := range s.Origins {
		cp.Origins[k] = true
	}
	return cp
}

// Store is the injectable entity-state backend. Get returns nil (no error)
// when the entity has no state yet.
type Store interface {
	Get(ctx context.Context, entityID string) (*EntityState, error)
	Put(ctx context.Context, st *EntityState) error
}

// MemoryStore is the process-scoped in-memory store used for single-pass
// batch runs.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*EntityState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*EntityState)}
}

func (m *MemoryStore) Get(_ context.Context, entityID string) (*EntityState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[entityID], nil
}

func (m *MemoryStore) Put(_ context.Context, st *EntityState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.EntityID] = st
	return nil
}

// Len returns the number of tracked entities.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Snapshot returns copies of all entity states, ordered by entity ID, for
// checkpointing.
func (m *MemoryStore) Snapshot() []*EntityState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*EntityState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}
