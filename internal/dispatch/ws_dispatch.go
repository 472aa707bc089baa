package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSSession represents a connected freelancer session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds freelancer sessions, one per freelancer.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for the freelancer, replacing and closing any older one.
func (r *WSRegistry) Add(freelancerID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[freelancerID]
	r.sessions[freelancerID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session if it is still the current one.
func (r *WSRegistry) Remove(freelancerID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[freelancerID] == s {
		delete(r.sessions, freelancerID)
	}
}

func (r *WSRegistry) Connected(freelancerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[freelancerID]
	return ok
}

func (r *WSRegistry) Notify(_ context.Context, freelancerID string, n Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[freelancerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(n); err != nil {
		r.Remove(freelancerID, s)
		return err
	}
	return nil
}

var ErrNoSession = errors.New("no ws session")
