package session

import (
	"context"
	"sync"
)

// Store persists sessions keyed by user. Get returns (nil, nil) when the
// user has no session. Put overwrites any existing session for the user.
type Store interface {
	Get(ctx context.Context, userID int64) (*Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, userID int64) error
}

// MemoryStore is an in-process Store used in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]Session)}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}
