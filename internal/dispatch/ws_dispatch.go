package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

const writeWait = 5 * time.Second

// WSSession is one connected websocket. A channel may have several, for
// example a driver logged in on two devices.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(e)
}

// WSRegistry holds sessions by channel and is the websocket Sink.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(channel string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[channel] == nil {
		r.sessions[channel] = make(map[*WSSession]struct{})
	}
	r.sessions[channel][s] = struct{}{}
	observability.WSSessions.Inc()
	return s
}

func (r *WSRegistry) Remove(channel string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[channel]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, channel)
	}
	observability.WSSessions.Dec()
}

// Count returns the number of sessions on channel.
func (r *WSRegistry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[channel])
}

func (r *WSRegistry) Name() string { return "websocket" }

// Deliver writes e to every session on its channel. Sessions that fail are
// dropped; the caller only sees an error if none succeeded.
func (r *WSRegistry) Deliver(_ context.Context, e Envelope) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[e.Channel]))
	for s := range r.sessions[e.Channel] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, s := range targets {
		if err := s.Send(e); err != nil {
			errs = append(errs, err)
			r.Remove(e.Channel, s)
			_ = s.conn.Close()
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

var ErrNoSession = errors.New("no ws session")
