package cache

import (
	"context"
	"sync"
)

type memoryMatchLocks struct {
	mu     sync.Mutex
	active map[string]string // playerID -> matchID
}

// NewMemoryMatchLockCache is a process-local MatchLockCache for single-node runs
func NewMemoryMatchLockCache() MatchLockCache {
	return &memoryMatchLocks{active: make(map[string]string)}
}

func (m *memoryMatchLocks) Mark(_ context.Context, matchID string, playerIDs ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(playerIDs) == 0 {
		return false, nil
	}
	for _, id := range playerIDs {
		if _, ok := m.active[id]; ok {
			return false, nil
		}
	}
	for _, id := range playerIDs {
		m.active[id] = matchID
	}
	return true, nil
}

func (m *memoryMatchLocks) Active(_ context.Context, playerIDs ...string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		if _, ok := m.active[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *memoryMatchLocks) MatchFor(_ context.Context, playerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[playerID], nil
}

func (m *memoryMatchLocks) Release(_ context.Context, matchID string, playerIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range playerIDs {
		if m.active[id] == matchID {
			delete(m.active, id)
		}
	}
	return nil
}
