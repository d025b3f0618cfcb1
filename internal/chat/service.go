// Package chat implements the conversational assistant flow.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagewarden/pagewarden/internal/memory"
	"github.com/pagewarden/pagewarden/internal/model"
	"github.com/pagewarden/pagewarden/internal/shared"
	"github.com/pagewarden/pagewarden/internal/store"

	"github.com/pagewarden/pagewarden/internal/domain"
)

// replyCap is the maximum length of a persisted assistant reply.
const replyCap = 2000

// Config tunes the chat flow.
type Config struct {
	MaxMemoryTurns int
	Temperature    float64
	MaxTokens      int
}

// DefaultConfig returns the chat defaults.
func DefaultConfig(maxMemoryTurns int) Config {
	return Config{
		MaxMemoryTurns: maxMemoryTurns,
		Temperature:    0.7,
		MaxTokens:      1024,
	}
}

// Service produces assistant replies and persists the exchange.
type Service struct {
	repo   store.Repository
	client model.Client
	cfg    Config
}

// NewService creates a chat service.
func NewService(repo store.Repository, client model.Client, cfg Config) *Service {
	return &Service{repo: repo, client: client, cfg: cfg}
}

// Reply generates an assistant reply for message, persists the user and
// assistant turns as a pair, and returns the reply. The deadline comes
// from ctx.
func (s *Service) Reply(ctx context.Context, userID, message string) (string, error) {
	history, err := s.repo.LoadConversation(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	scans, err := s.repo.LoadScans(ctx, userID)
	if err != nil {
		// Context still works without the scan digest.
		slog.Warn("failed to load scan history for context", "user", userID, "error", err)
		scans = nil
	}

	messages := memory.BuildContext(history, scans, s.cfg.MaxMemoryTurns)
	messages = append(messages, domain.UserTurn(message))

	s.logLine(userID, "User: "+message)

	raw, err := s.client.Chat(ctx, messages, model.Options{
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	reply := normalizeReply(raw)

	if err := s.repo.AppendExchange(ctx, userID, domain.UserTurn(message), domain.AssistantTurn(reply)); err != nil {
		return "", fmt.Errorf("persist exchange: %w", err)
	}

	s.logLine(userID, "Response: "+reply)

	return reply, nil
}

// normalizeReply cleans a raw model reply for display and persistence.
func normalizeReply(raw string) string {
	reply := shared.CollapseLines(shared.StripControlMarkers(raw), "\n\n")
	return shared.CapAtSentence(reply, replyCap)
}

// logLine appends to the user's request log without failing the exchange.
func (s *Service) logLine(userID, line string) {
	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.AppendLog(logCtx, userID, line); err != nil {
		slog.Warn("failed to append request log", "user", userID, "error", err)
	}
}
