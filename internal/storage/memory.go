package storage

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/formsync/internal/model"
)

// Memory keeps sessions in process. Used by tests and by `memory://`.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

func NewMemory() *Memory {
	return &Memory{sessions: map[string]model.Session{}}
}

func (m *Memory) FindSession(_ context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[model.NormalizeSessionID(id)]
	if !ok {
		return model.Session{}, model.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) CreateSession(_ context.Context, s model.Session) error {
	s = prepare(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return model.ErrSessionExists
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) SaveSession(_ context.Context, s model.Session) error {
	s = prepare(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) MarkInactive(_ context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Active && s.LastActivity < cutoff {
			s.Active = false
			m.sessions[id] = s
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
