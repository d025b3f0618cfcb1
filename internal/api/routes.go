package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pagewarden/pagewarden/internal/chat"
	"github.com/pagewarden/pagewarden/internal/config"
	"github.com/pagewarden/pagewarden/internal/domain"
	"github.com/pagewarden/pagewarden/internal/identity"
	"github.com/pagewarden/pagewarden/internal/model"
	"github.com/pagewarden/pagewarden/internal/scan"
	"github.com/pagewarden/pagewarden/internal/store"
)

// maxRequestBodySize bounds JSON request bodies (1MB).
const maxRequestBodySize = 1 << 20

// Handler serves the REST endpoints.
type Handler struct {
	repo      store.Repository
	chatSvc   *chat.Service
	pipeline  *scan.Pipeline
	client    model.Client
	cfg       *config.Config
	startedAt time.Time
}

// NewHandler creates the REST handler.
func NewHandler(repo store.Repository, chatSvc *chat.Service, pipeline *scan.Pipeline, client model.Client, cfg *config.Config) *Handler {
	return &Handler{
		repo:      repo,
		chatSvc:   chatSvc,
		pipeline:  pipeline,
		client:    client,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers all REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Post("/log", h.AppendLog)
	r.Get("/history/{user}", h.GetHistory)
	r.Delete("/history/{user}", h.ClearHistory)
	r.Delete("/history/{user}/{index}", h.DeleteMessage)
	r.Get("/scan/{user}", h.GetScanHistory)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chatbot", h.Chat)
		r.Post("/scan", h.Scan)
		r.Get("/settings", h.Settings)
	})
}

type chatRequest struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

type scanRequest struct {
	User string `json:"user"`
	URL  string `json:"url"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Fail(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// Health returns the gateway's health, version, and uptime.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("health check failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	JSON(w, code, map[string]any{
		"status":         status,
		"version":        Version,
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
	})
}

// Chat handles a single request/response chat turn.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	userID, okUser := identity.Normalize(req.User)
	message := strings.TrimSpace(req.Message)
	if !okUser || message == "" {
		Fail(w, http.StatusBadRequest, "Missing 'user' or 'message'")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ChatTimeout)
	defer cancel()

	reply, err := h.chatSvc.Reply(ctx, userID, message)
	if err != nil {
		h.failChat(w, userID, err)
		return
	}

	Success(w, map[string]string{"response": reply})
}

func (h *Handler) failChat(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		Fail(w, http.StatusGatewayTimeout,
			fmt.Sprintf("Request timed out after %d seconds", int(h.cfg.ChatTimeout.Seconds())))
	case errors.Is(err, model.ErrUnavailable):
		Fail(w, http.StatusBadGateway, "The assistant is unavailable right now. Please make sure the model service is running.")
	default:
		slog.Error("chat request failed", "user", userID, "error", err)
		Fail(w, http.StatusInternalServerError, "Chatbot error: "+err.Error())
	}
}

// AppendLog appends a free-text line to the user's request log.
func (h *Handler) AppendLog(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	userID, okUser := identity.Normalize(req.User)
	message := strings.TrimSpace(req.Message)
	if !okUser || message == "" {
		Fail(w, http.StatusBadRequest, "Missing 'user' or 'message'")
		return
	}

	if err := h.repo.AppendLog(r.Context(), userID, message); err != nil {
		slog.Error("failed to append log", "user", userID, "error", err)
		Fail(w, http.StatusInternalServerError, "Failed to create log entry")
		return
	}

	Success(w, map[string]string{"message": "Log entry created"})
}

// GetHistory returns the user's stored conversation.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.Normalize(chi.URLParam(r, "user"))
	if !ok {
		Fail(w, http.StatusBadRequest, "Invalid user")
		return
	}

	history, err := h.repo.LoadConversation(r.Context(), userID)
	if err != nil {
		slog.Error("failed to load history", "user", userID, "error", err)
		Fail(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if history == nil {
		history = []domain.ConversationTurn{}
	}

	JSON(w, http.StatusOK, map[string]any{"history": history})
}

// ClearHistory removes the user's entire conversation.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.Normalize(chi.URLParam(r, "user"))
	if !ok {
		Fail(w, http.StatusBadRequest, "Invalid user")
		return
	}

	if err := h.repo.ClearConversation(r.Context(), userID); err != nil {
		slog.Error("failed to clear history", "user", userID, "error", err)
		Fail(w, http.StatusInternalServerError, "Failed to clear history")
		return
	}

	Success(w, map[string]string{"message": "History cleared for user " + userID})
}

// DeleteMessage removes one turn, plus its paired assistant turn when the
// target is a user turn.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.Normalize(chi.URLParam(r, "user"))
	if !ok {
		Fail(w, http.StatusBadRequest, "Invalid user")
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		Fail(w, http.StatusBadRequest, "Invalid index")
		return
	}

	removed, err := h.repo.DeleteExchange(r.Context(), userID, index)
	if err != nil {
		if errors.Is(err, store.ErrIndexOutOfRange) {
			Fail(w, http.StatusBadRequest, fmt.Sprintf("Invalid index %d", index))
			return
		}
		slog.Error("failed to delete message", "user", userID, "index", index, "error", err)
		Fail(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}

	Success(w, map[string]any{
		"message": fmt.Sprintf("Message %d deleted for user %s", index, userID),
		"removed": removed,
	})
}

// GetScanHistory returns the user's stored scan records.
func (h *Handler) GetScanHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.Normalize(chi.URLParam(r, "user"))
	if !ok {
		Fail(w, http.StatusBadRequest, "Invalid user")
		return
	}

	scans, err := h.repo.LoadScans(r.Context(), userID)
	if err != nil {
		slog.Error("failed to load scan history", "user", userID, "error", err)
		Fail(w, http.StatusInternalServerError, "Failed to load scan history")
		return
	}

	pages := make([]map[string]string, 0, len(scans))
	for _, rec := range scans {
		pages = append(pages, map[string]string{"page": rec.Page, "result": rec.Result})
	}

	JSON(w, http.StatusOK, map[string]any{"scan_pages": pages})
}

// Scan runs the scan pipeline for a URL.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeBody(w, r, &req) {
		return
	}

	userID, okUser := identity.Normalize(req.User)
	target := strings.TrimSpace(req.URL)
	if !okUser || target == "" {
		Fail(w, http.StatusBadRequest, "Missing 'user' or 'url'")
		return
	}

	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		Fail(w, http.StatusBadRequest, "Invalid URL format")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ScanTimeout)
	defer cancel()

	report, err := h.pipeline.Run(ctx, userID, target)
	if err != nil {
		h.failScan(w, userID, target, err)
		return
	}

	Success(w, map[string]string{"response": report.Text, "url": report.URL})
}

func (h *Handler) failScan(w http.ResponseWriter, userID, target string, err error) {
	switch {
	case errors.Is(err, scan.ErrFetchFailed):
		Fail(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		Fail(w, http.StatusGatewayTimeout, "Scan timed out. The URL may be too complex or unresponsive.")
	case errors.Is(err, model.ErrUnavailable):
		Fail(w, http.StatusBadGateway, "Scan analysis is unavailable right now. Please make sure the model service is running.")
	default:
		slog.Error("scan request failed", "user", userID, "url", target, "error", err)
		Fail(w, http.StatusInternalServerError, "Failed to scan URL: "+err.Error())
	}
}

// Settings returns the configured limits and model identifier.
func (h *Handler) Settings(w http.ResponseWriter, r *http.Request) {
	Success(w, map[string]any{
		"max_memory_turns": h.cfg.MaxMemoryTurns,
		"max_scan_history": h.cfg.MaxScanHistory,
		"model_name":       h.client.Model(),
		"version":          Version,
	})
}
