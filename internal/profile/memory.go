package profile

import (
	"context"
	"sync"
	"time"

	"github.com/example/cartrabbit/internal/models"
)

type sessionPosition struct {
	coord   models.Coord
	expires time.Time
}

type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]models.UserProfile
	sessions map[string]sessionPosition
	Now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]models.UserProfile),
		sessions: make(map[string]sessionPosition),
		Now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (models.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return models.UserProfile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Save(_ context.Context, p models.UserProfile) (models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.profiles[p.UserID]
	mergeEditable(&cur, p)
	m.profiles[p.UserID] = cur
	return cur, nil
}

func (m *MemoryStore) SavePayouts(_ context.Context, userID, accountID string, enabled bool) (models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.profiles[userID]
	cur.UserID = userID
	setPayouts(&cur, accountID, enabled)
	m.profiles[userID] = cur
	return cur, nil
}

func (m *MemoryStore) SavePosition(_ context.Context, id models.Identity, c models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id.Anonymous || IsAnonymous(id.ID) {
		m.sessions[id.ID] = sessionPosition{coord: c, expires: m.Now().Add(SessionTTL)}
		return nil
	}
	p := m.profiles[id.ID]
	p.UserID = id.ID
	pos := c
	when := at
	p.Location = &pos
	p.LocationUpdatedAt = &when
	m.profiles[id.ID] = p
	return nil
}

func (m *MemoryStore) Position(_ context.Context, userID string) (models.Coord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if IsAnonymous(userID) {
		s, ok := m.sessions[userID]
		if !ok || !m.Now().Before(s.expires) {
			return models.Coord{}, false, nil
		}
		return s.coord, true, nil
	}
	p, ok := m.profiles[userID]
	if !ok || p.Location == nil {
		return models.Coord{}, false, nil
	}
	return *p.Location, true, nil
}
