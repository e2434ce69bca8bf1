package presence

import (
	"context"
	"sort"
	"sync"

	"uk.co.dudmesh.relay/internal/model"
)

// memory is a registry for a single instance deployment and for tests.
type memory struct {
	mu      sync.RWMutex
	entries map[model.UserID]model.ConnectionHandle
}

func NewMemory() *memory {
	return &memory{entries: make(map[model.UserID]model.ConnectionHandle)}
}

func (m *memory) SetOnline(ctx context.Context, userID model.UserID, handle model.ConnectionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userID] = handle
	return nil
}

func (m *memory) SetOffline(ctx context.Context, userID model.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}

func (m *memory) Release(ctx context.Context, userID model.UserID, handle model.ConnectionHandle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[userID] != handle {
		return false, nil
	}
	delete(m.entries, userID)
	return true, nil
}

func (m *memory) Lookup(ctx context.Context, userID model.UserID) (model.ConnectionHandle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.entries[userID]
	return handle, ok, nil
}

func (m *memory) ListOnlineUsers(ctx context.Context) ([]model.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]model.UserID, 0, len(m.entries))
	for u := range m.entries {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (m *memory) Prune(ctx context.Context, instanceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for u, h := range m.entries {
		if h.Instance() == instanceID {
			delete(m.entries, u)
			n++
		}
	}
	return n, nil
}
