package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/pagewarden/pagewarden/internal/config"
	"github.com/pagewarden/pagewarden/internal/identity"
	"github.com/pagewarden/pagewarden/internal/model"
	"github.com/pagewarden/pagewarden/internal/scan"
	"github.com/pagewarden/pagewarden/internal/task"
)

// scanStages are the named progress stages streamed while a scan runs.
var scanStages = []string{
	"Processing content...",
	"Analyzing security aspects...",
}

// ScanHandler serves the /scan WebSocket endpoint.
type ScanHandler struct {
	pipeline *scan.Pipeline
	registry *Registry
	cfg      *config.Config
}

// NewScanHandler creates a scan socket handler.
func NewScanHandler(pipeline *scan.Pipeline, registry *Registry, cfg *config.Config) *ScanHandler {
	return &ScanHandler{pipeline: pipeline, registry: registry, cfg: cfg}
}

// ServeHTTP upgrades the connection and runs the scan message loop.
func (h *ScanHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept scan WebSocket", "error", err)
		return
	}

	sess := newSession(conn, task.NewTracker(h.cfg.ProgressInterval))
	defer h.registry.unregister(sess.userID, sess)
	defer sess.close(websocket.StatusNormalClosure, "session ended")

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("scan session panicked", "user", sess.userID, "panic", rec)
			sess.close(websocket.StatusInternalError, "internal server error")
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	slog.Info("scan WebSocket connected", "ip", r.RemoteAddr)
	h.loop(ctx, sess, readPump(ctx, conn))
}

func (h *ScanHandler) loop(ctx context.Context, sess *session, msgs <-chan incoming) {
	for {
		select {
		case <-ctx.Done():
			return

		case in, ok := <-msgs:
			if !ok || in.err != nil {
				if ok && websocket.CloseStatus(in.err) == -1 && !errors.Is(in.err, context.Canceled) {
					slog.Warn("scan WebSocket read error", "user", sess.userID, "error", in.err)
				}
				return
			}
			if !h.handleFrame(ctx, sess, msgs, in.data) {
				return
			}

		case <-time.After(h.cfg.ScanReceiveTimeout):
			slog.Debug("scan WebSocket receive timeout", "user", sess.userID)
			sess.send(ctx, errorFrame{Error: "Timed out waiting for a scan request"})
			sess.close(websocket.StatusNormalClosure, "receive timeout")
			return
		}
	}
}

// handleFrame processes one inbound frame. A false return stops the loop.
func (h *ScanHandler) handleFrame(ctx context.Context, sess *session, msgs <-chan incoming, data []byte) bool {
	frame, ok := decodeScanFrame(data)
	if !ok {
		return sess.send(ctx, errorFrame{Error: "Invalid JSON format"})
	}

	if frame.kind == framePing {
		sess.touch()
		return sess.send(ctx, pongFrame{Type: "pong"})
	}

	if frame.url == "" {
		return sess.send(ctx, errorFrame{Error: "Missing URL to scan"})
	}
	url := ensureScheme(frame.url)

	userID := identity.NormalizeOrGuest(frame.user)
	sess.touch()
	if sess.userID == "" {
		sess.userID = userID
		h.registry.register(userID, sess)
	}

	if !sess.send(ctx, processingFrame{Processing: true, Status: "Starting scan..."}) {
		return false
	}

	op, err := sess.tracker.Start(ctx, task.KindScan, time.Now().Add(h.cfg.ScanTimeout), scanStages,
		func(opCtx context.Context) (any, error) {
			return h.pipeline.Run(opCtx, userID, url)
		})
	if err != nil {
		if errors.Is(err, task.ErrBusy) {
			return sess.send(ctx, errorFrame{Error: "A scan is already in progress"})
		}
		slog.Error("failed to start scan operation", "user", userID, "error", err)
		return sess.send(ctx, errorFrame{Error: "Scan error: could not start request"})
	}

	// Drain progress until the operation resolves, still listening on the
	// read pump so a dropped client cancels the work. Progress always
	// precedes the terminal frame.
	progress := op.Progress()
	for {
		select {
		case stage, open := <-progress:
			if !open {
				progress = nil
				continue
			}
			if !sess.send(ctx, statusFrame{Status: stage}) {
				op.Cancel()
				<-op.Done()
				return false
			}
		case in, ok := <-msgs:
			if !ok || in.err != nil || !h.handleMidOperation(ctx, sess, in.data) {
				op.Cancel()
				<-op.Done()
				return false
			}
		case <-op.Done():
			return h.deliver(ctx, sess, userID, url, op.Result())
		}
	}
}

// handleMidOperation answers frames that arrive while a scan is in flight.
// Pings keep the session alive; anything else is rejected.
func (h *ScanHandler) handleMidOperation(ctx context.Context, sess *session, data []byte) bool {
	if frame, ok := decodeScanFrame(data); ok && frame.kind == framePing {
		sess.touch()
		return sess.send(ctx, pongFrame{Type: "pong"})
	}
	return sess.send(ctx, errorFrame{Error: "A scan is already in progress"})
}

func (h *ScanHandler) deliver(ctx context.Context, sess *session, userID, url string, result task.Result) bool {
	switch result.Code {
	case task.CodeOK:
		report, ok := result.Value.(*scan.Report)
		if !ok {
			slog.Error("scan operation returned unexpected payload", "user", userID)
			return sess.send(ctx, errorFrame{Error: "Scan error: internal failure"})
		}
		if report.Degraded {
			slog.Info("scan degraded to redirect-only report", "user", userID, "url", url)
		}
		return sess.send(ctx, responseFrame{Response: report.Text, URL: report.URL})

	case task.CodeTimedOut:
		return sess.send(ctx, errorFrame{Error: "Scan timed out. The URL may be too complex or unresponsive."})

	case task.CodeCancelled:
		slog.Info("scan operation cancelled", "user", userID, "url", url)
		return sess.send(ctx, errorFrame{Error: "Scan was cancelled. Try again with a direct URL instead of a shortened one."})

	default:
		slog.Warn("scan operation failed", "user", userID, "url", url, "error", result.Err)
		switch {
		case errors.Is(result.Err, scan.ErrFetchFailed):
			return sess.send(ctx, errorFrame{Error: result.Err.Error()})
		case errors.Is(result.Err, model.ErrUnavailable):
			return sess.send(ctx, errorFrame{Error: "Scan analysis is unavailable right now. Please make sure the model service is running."})
		default:
			return sess.send(ctx, errorFrame{Error: "Scan error: " + result.Err.Error()})
		}
	}
}
