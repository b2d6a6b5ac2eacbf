// Package store provides host containers for the local state: an
// in-process Memory store and a persistent SQLite store. Both apply
// updates with state.Apply and hand out immutable snapshots.
package store

import (
	"context"
	"sync"

	"github.com/tonimelisma/statesync/internal/state"
)

// Memory keeps the state in process.
type Memory struct {
	mu sync.RWMutex
	s  state.LocalState
}

// NewMemory returns a Memory store holding initial.
func NewMemory(initial state.LocalState) *Memory {
	return &Memory{s: initial}
}

// State returns the current snapshot.
func (m *Memory) State() state.LocalState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.s
}

// Dispatch applies updates in order.
func (m *Memory) Dispatch(_ context.Context, updates ...state.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.s = state.Apply(m.s, updates...)

	return nil
}
