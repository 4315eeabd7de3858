// Package notifybridge is a local demonstration of the notification bus's
// subscriber side: it fans messages published on the bus out to whatever
// websocket session a rider currently holds open. Real subscriber-side
// delivery (mobile push, session affinity across instances, retry) is out
// of scope; this exists so the ambient stack has something to drive the
// bus's Subscribe path end to end, adapted from the teacher's
// internal/dispatch.WSRegistry.
package notifybridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/airport-cabpool/internal/notifybus"
)

// ErrNoSession reports that a rider has no open websocket session to
// deliver to. No function in this package returns it.
var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "notifybridge: no session for user" }

// Session wraps one rider's websocket connection.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Registry holds live rider sessions and bridges bus subscriptions into them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bus      *notifybus.Bus
	log      *slog.Logger
}

func NewRegistry(bus *notifybus.Bus, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{sessions: make(map[string]*Session), bus: bus, log: log}
}

// Add registers a rider's connection and starts bridging bus messages for
// that user's topic into it until the connection or context closes.
func (r *Registry) Add(ctx context.Context, userID string, conn *websocket.Conn) {
	sess := &Session{conn: conn}
	r.mu.Lock()
	r.sessions[userID] = sess
	r.mu.Unlock()

	sub := r.bus.Subscribe(ctx, "user:"+userID)
	go func() {
		defer sub.Close()
		defer r.remove(userID)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				if err := sess.send([]byte(msg.Payload)); err != nil {
					r.log.Warn("notifybridge: send failed, dropping session", "user_id", userID, "error", err)
					return
				}
			}
		}
	}()
}

func (r *Registry) remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// Has reports whether a rider currently has a live session, used by
// operators wiring health checks around the demo bridge.
func (r *Registry) Has(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}
