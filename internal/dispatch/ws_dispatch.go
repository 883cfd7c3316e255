// Package dispatch pushes live ride snapshots to websocket clients.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/cartrabbit/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Frame is the JSON envelope sent to clients.
type Frame struct {
	Type  string               `json:"type"`
	Rides []models.RideRequest `json:"rides,omitempty"`
	Error string               `json:"error,omitempty"`
}

// WSSession represents one connected app view.
type WSSession struct {
	UserID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (s *WSSession) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a normal close frame and drops the connection.
func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

// WSRegistry tracks open sessions so shutdown can close them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[*WSSession]struct{})} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{UserID: userID, conn: conn}
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *WSRegistry) Remove(s *WSSession) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[*WSSession]struct{})
	r.mu.Unlock()
	for s := range sessions {
		_ = s.Close()
	}
}

var ErrPeerGone = errors.New("websocket peer went away")

// Stream writes every snapshot to s until snapshots closes, ctx ends or the
// peer disconnects. Incoming frames are read and discarded so pongs and
// close frames are processed.
func Stream(ctx context.Context, s *WSSession, snapshots <-chan []models.RideRequest) error {
	gone := make(chan struct{})
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gone:
			return ErrPeerGone
		case rides, ok := <-snapshots:
			if !ok {
				return nil
			}
			if err := s.Send(Frame{Type: "snapshot", Rides: rides}); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return err
			}
		}
	}
}
