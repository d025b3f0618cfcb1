// Package ws owns the WebSocket connection lifecycle: accept, message
// loop, idle and session timeouts, operation cancellation on disconnect,
// and close.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pagewarden/pagewarden/internal/task"
)

const sendTimeout = 5 * time.Second

// session is one client's live duplex connection plus its ephemeral
// orchestration state. It is owned by the handler goroutine for the
// duration of the connection and never shared across connections.
type session struct {
	conn    *websocket.Conn
	tracker *task.Tracker

	userID       string
	lastActivity time.Time
	closeOnce    sync.Once
}

func newSession(conn *websocket.Conn, tracker *task.Tracker) *session {
	return &session{
		conn:         conn,
		tracker:      tracker,
		lastActivity: time.Now(),
	}
}

// touch records real client activity for idle-limit accounting.
func (s *session) touch() {
	s.lastActivity = time.Now()
}

// idleFor reports how long the session has been without real activity.
func (s *session) idleFor() time.Duration {
	return time.Since(s.lastActivity)
}

// send marshals v and writes it if the connection is still usable. A false
// return signals the loop to stop for this connection only — an individual
// send failure never aborts the process.
func (s *session) send(ctx context.Context, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal outbound frame", "error", err)
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket send failed", "user", s.userID, "error", err)
		return false
	}
	return true
}

// close performs the Closing -> Closed transition. Closing twice is a no-op.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.tracker.CancelAll()
		if err := s.conn.Close(code, reason); err != nil {
			slog.Debug("failed to close websocket", "user", s.userID, "error", err)
		}
	})
}

// incoming is one read-pump delivery: a raw frame or a terminal read error.
type incoming struct {
	data []byte
	err  error
}

// readPump reads frames into a channel so the handler loop can multiplex
// receives against timeouts and orchestrator output. It exits on the first
// read error.
func readPump(ctx context.Context, conn *websocket.Conn) <-chan incoming {
	msgs := make(chan incoming)
	go func() {
		defer close(msgs)
		for {
			_, data, err := conn.Read(ctx)
			select {
			case msgs <- incoming{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return msgs
}

// Registry is the explicit session table, keyed by user identity. It
// exists so connection ownership is visible in one place instead of an
// ambient global map.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*session
}

// NewRegistry creates an empty session table.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*session)}
}

func (r *Registry) register(userID string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[userID]; ok && existing != s {
		existing.close(websocket.StatusNormalClosure, "session replaced")
	}
	r.active[userID] = s
	slog.Info("session registered", "user", userID)
}

func (r *Registry) unregister(userID string, s *session) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[userID]; ok && current == s {
		delete(r.active, userID)
		slog.Info("session unregistered", "user", userID)
	}
}

// ActiveCount returns the number of registered sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
