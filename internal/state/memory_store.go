package state

import (
	"context"
	"sync"
)

// MemoryStore keeps the latest snapshot in memory. It is the default
// backend for tests and single-node runs where durability across
// restarts is not needed.
type MemoryStore struct {
	mu    sync.Mutex
	saved bool
	state SchedulerState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (SchedulerState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return SchedulerState{}, false, nil
	}
	return m.state.Clone(), true, nil
}

func (m *MemoryStore) Save(_ context.Context, s SchedulerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.Clone()
	m.saved = true
	return nil
}
