package conversation

import (
	"sync"

	"github.com/google/uuid"
)

// lockManager hands out one mutex per conversation so concurrent turns on
// the same conversation serialize while distinct conversations proceed in
// parallel. Entries are reference counted and dropped when unused.
type lockManager struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[uuid.UUID]*lockEntry)}
}

// lock acquires the per-conversation mutex and returns its release func
func (m *lockManager) lock(id uuid.UUID) func() {
	m.mu.Lock()
	entry, ok := m.locks[id]
	if !ok {
		entry = &lockEntry{}
		m.locks[id] = entry
	}
	entry.refs++
	m.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		m.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}
