// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/pagewarden/pagewarden/internal/domain"
)

// ErrIndexOutOfRange is returned when a history delete targets an index
// that does not exist. The history is left unchanged.
var ErrIndexOutOfRange = errors.New("history index out of range")

// Repository persists per-user conversation and scan histories.
//
// All writes for a given user are serialized: concurrent operations for
// the same identity from different connections must not lose updates.
type Repository interface {
	// LoadConversation returns the full stored conversation, oldest first.
	LoadConversation(ctx context.Context, userID string) ([]domain.ConversationTurn, error)

	// AppendExchange appends a user/assistant pair atomically and trims the
	// conversation to the configured bound, keeping the most recent turns.
	AppendExchange(ctx context.Context, userID string, userTurn, assistantTurn domain.ConversationTurn) error

	// ClearConversation removes all turns for a user.
	ClearConversation(ctx context.Context, userID string) error

	// DeleteExchange removes the turn at index. If that turn is a user turn
	// immediately followed by an assistant turn, both are removed. Returns
	// the number of turns removed, or ErrIndexOutOfRange.
	DeleteExchange(ctx context.Context, userID string, index int) (int, error)

	// LoadScans returns the stored scan records, oldest first.
	LoadScans(ctx context.Context, userID string) ([]domain.ScanRecord, error)

	// AppendScan appends a scan record and evicts the oldest records beyond
	// the configured bound.
	AppendScan(ctx context.Context, userID string, rec domain.ScanRecord) error

	// AppendLog appends a timestamped free-text line to the user's request log.
	AppendLog(ctx context.Context, userID, line string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
