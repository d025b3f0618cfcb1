// Package model provides the text-generation client adapter.
package model

import (
	"context"
	"errors"

	"github.com/pagewarden/pagewarden/internal/domain"
)

// ErrUnavailable indicates the text-generation service is unreachable or
// refused the request. Callers surface this with a user-facing error rather
// than closing the session.
var ErrUnavailable = errors.New("model service unavailable")

// Options tune a single generation request.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Client sends a role-tagged message sequence to a text-generation service
// and returns the generated text.
type Client interface {
	// Chat generates a reply for the given message sequence. It honors ctx
	// cancellation and deadline; on deadline expiry the returned error wraps
	// context.DeadlineExceeded.
	Chat(ctx context.Context, messages []domain.ConversationTurn, opts Options) (string, error)

	// Ping reports whether the service is reachable.
	Ping(ctx context.Context) error

	// Model returns the configured model identifier.
	Model() string
}
