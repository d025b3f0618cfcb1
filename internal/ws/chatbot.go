package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/pagewarden/pagewarden/internal/chat"
	"github.com/pagewarden/pagewarden/internal/config"
	"github.com/pagewarden/pagewarden/internal/identity"
	"github.com/pagewarden/pagewarden/internal/model"
	"github.com/pagewarden/pagewarden/internal/task"
)

// ChatHandler serves the /chatbot WebSocket endpoint.
type ChatHandler struct {
	svc      *chat.Service
	registry *Registry
	cfg      *config.Config
}

// NewChatHandler creates a chat socket handler.
func NewChatHandler(svc *chat.Service, registry *Registry, cfg *config.Config) *ChatHandler {
	return &ChatHandler{svc: svc, registry: registry, cfg: cfg}
}

// ServeHTTP upgrades the connection and runs the chat message loop.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept chat WebSocket", "error", err)
		return
	}

	sess := newSession(conn, task.NewTracker(h.cfg.ProgressInterval))
	defer h.registry.unregister(sess.userID, sess)
	defer sess.close(websocket.StatusNormalClosure, "session ended")

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("chat session panicked", "user", sess.userID, "panic", rec)
			sess.close(websocket.StatusInternalError, "internal server error")
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	slog.Info("chat WebSocket connected", "ip", r.RemoteAddr)
	h.loop(ctx, sess, readPump(ctx, conn))
}

func (h *ChatHandler) loop(ctx context.Context, sess *session, msgs <-chan incoming) {
	for {
		select {
		case <-ctx.Done():
			return

		case in, ok := <-msgs:
			if !ok || in.err != nil {
				if ok && websocket.CloseStatus(in.err) == -1 && !errors.Is(in.err, context.Canceled) {
					slog.Warn("chat WebSocket read error", "user", sess.userID, "error", in.err)
				}
				return
			}
			if !h.handleFrame(ctx, sess, msgs, in.data) {
				return
			}

		case <-time.After(h.cfg.ChatReceiveTimeout):
			// A receive timeout alone is not an error; only prolonged
			// inactivity closes the session.
			if sess.idleFor() > h.cfg.SessionIdleLimit {
				slog.Info("chat session idle limit reached", "user", sess.userID)
				sess.close(websocket.StatusNormalClosure, "session timeout")
				return
			}
		}
	}
}

// handleFrame processes one inbound frame. A false return stops the loop.
func (h *ChatHandler) handleFrame(ctx context.Context, sess *session, msgs <-chan incoming, data []byte) bool {
	frame, ok := decodeChatFrame(data)
	if !ok {
		return sess.send(ctx, errorFrame{Error: "Invalid JSON format"})
	}

	if frame.kind == framePing {
		sess.touch()
		return sess.send(ctx, pongFrame{Type: "pong"})
	}

	userID, validUser := identity.Normalize(frame.user)
	if !validUser || frame.message == "" {
		return sess.send(ctx, errorFrame{Error: "Missing 'user' or 'message'"})
	}

	sess.touch()
	if sess.userID == "" {
		sess.userID = userID
		h.registry.register(userID, sess)
	}

	if !sess.send(ctx, typingFrame{Typing: true}) {
		return false
	}

	op, err := sess.tracker.Start(ctx, task.KindChat, time.Now().Add(h.cfg.ChatTimeout), nil,
		func(opCtx context.Context) (any, error) {
			return h.svc.Reply(opCtx, userID, frame.message)
		})
	if err != nil {
		if errors.Is(err, task.ErrBusy) {
			return sess.send(ctx, errorFrame{Error: "A chat request is already in progress"})
		}
		slog.Error("failed to start chat operation", "user", userID, "error", err)
		return sess.send(ctx, errorFrame{Error: "Chatbot error: could not start request"})
	}

	// Keep reading while the operation runs: a read error means the client
	// is gone, so cancel the work instead of letting it run to its deadline.
	for {
		select {
		case <-op.Done():
			return h.deliver(ctx, sess, userID, op.Result())
		case in, ok := <-msgs:
			if !ok || in.err != nil || !h.handleMidOperation(ctx, sess, in.data) {
				op.Cancel()
				<-op.Done()
				return false
			}
		}
	}
}

// handleMidOperation answers frames that arrive while a chat operation is
// in flight. Pings keep the session alive; anything else is rejected.
func (h *ChatHandler) handleMidOperation(ctx context.Context, sess *session, data []byte) bool {
	if frame, ok := decodeChatFrame(data); ok && frame.kind == framePing {
		sess.touch()
		return sess.send(ctx, pongFrame{Type: "pong"})
	}
	return sess.send(ctx, errorFrame{Error: "A chat request is already in progress"})
}

func (h *ChatHandler) deliver(ctx context.Context, sess *session, userID string, result task.Result) bool {
	switch result.Code {
	case task.CodeOK:
		reply, ok := result.Value.(string)
		if !ok {
			slog.Error("chat operation returned unexpected payload", "user", userID)
			return sess.send(ctx, errorFrame{Error: "Chatbot error: internal failure"})
		}
		return sess.send(ctx, responseFrame{Response: reply})

	case task.CodeTimedOut:
		return sess.send(ctx, errorFrame{
			Error: fmt.Sprintf("Request timed out after %d seconds", int(h.cfg.ChatTimeout.Seconds())),
		})

	case task.CodeCancelled:
		// The client is gone; log for diagnostics only.
		slog.Info("chat operation cancelled", "user", userID)
		return false

	default:
		slog.Warn("chat operation failed", "user", userID, "error", result.Err)
		if errors.Is(result.Err, model.ErrUnavailable) {
			return sess.send(ctx, errorFrame{
				Error: "The assistant is unavailable right now. Please make sure the model service is running.",
			})
		}
		return sess.send(ctx, errorFrame{Error: "Chatbot error: " + result.Err.Error()})
	}
}
