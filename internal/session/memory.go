package session

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store, used when no Redis is configured.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sessions: map[string]Session{}, now: time.Now}
}

func (m *Memory) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, errNoSession()
	}
	if s.Expired(m.now()) {
		delete(m.sessions, id)
		return Session{}, errNoSession()
	}
	return s, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}
