package directory

import (
	"sync"
	"time"
)

// Sessions keeps one Directory per caller and forgets idle ones.
type Sessions struct {
	source Source
	idle   time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	entries map[string]*session
}

type session struct {
	dir      *Directory
	lastUsed time.Time
}

func NewSessions(source Source, idle time.Duration) *Sessions {
	if idle <= 0 {
		idle = time.Hour
	}
	return &Sessions{source: source, idle: idle, Now: time.Now, entries: make(map[string]*session)}
}

func (s *Sessions) Get(id string) *Directory {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for k, e := range s.entries {
		if now.Sub(e.lastUsed) > s.idle {
			delete(s.entries, k)
		}
	}
	e, ok := s.entries[id]
	if !ok {
		e = &session{dir: New(s.source)}
		s.entries[id] = e
	}
	e.lastUsed = now
	return e.dir
}

// Lookup returns the directory for id without creating one.
func (s *Sessions) Lookup(id string) (*Directory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.dir, true
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
