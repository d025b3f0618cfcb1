package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pagewarden/pagewarden/internal/domain"
	"github.com/pagewarden/pagewarden/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	maxTurns int // conversation bound is 2*maxTurns
	maxScans int

	// userLocks serializes writes per user identity so that concurrent
	// operations for the same user from different connections cannot
	// interleave a load-trim-write cycle.
	userLocks sync.Map
}

// NewSQLite creates a new SQLite-backed repository. Conversation histories
// are trimmed to 2*maxTurns entries, scan histories to maxScans.
func NewSQLite(dbPath string, maxTurns, maxScans int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, maxTurns: maxTurns, maxScans: maxScans}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversation_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user ON conversation_turns(user_id, id);

	CREATE TABLE IF NOT EXISTS scan_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		page TEXT NOT NULL,
		redirects TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scans_user ON scan_records(user_id, id);

	CREATE TABLE IF NOT EXISTS request_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		line TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_request_log_user ON request_log(user_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) lockUser(userID string) *sync.Mutex {
	lock, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadConversation returns the full stored conversation, oldest first.
func (s *SQLiteStore) LoadConversation(ctx context.Context, userID string) ([]domain.ConversationTurn, error) {
	query := `SELECT role, content FROM conversation_turns WHERE user_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var turn domain.ConversationTurn
		if err := rows.Scan(&turn.Role, &turn.Content); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}

	return turns, nil
}

// AppendExchange appends a user/assistant pair atomically and trims to bound.
func (s *SQLiteStore) AppendExchange(ctx context.Context, userID string, userTurn, assistantTurn domain.ConversationTurn) error {
	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append exchange: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().Unix()
		insert := `INSERT INTO conversation_turns (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`
		for _, turn := range []domain.ConversationTurn{userTurn, assistantTurn} {
			if _, err := tx.ExecContext(ctx, insert, userID, string(turn.Role), turn.Content, now); err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
		}

		trim := `
			DELETE FROM conversation_turns WHERE user_id = ? AND id NOT IN (
				SELECT id FROM conversation_turns WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)`
		if _, err := tx.ExecContext(ctx, trim, userID, userID, 2*s.maxTurns); err != nil {
			return fmt.Errorf("trim conversation: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append exchange: %w", err)
		}
		return nil
	})
}

// ClearConversation removes all turns for a user.
func (s *SQLiteStore) ClearConversation(ctx context.Context, userID string) error {
	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// DeleteExchange removes the turn at index, taking the paired assistant
// turn with it when the target is a user turn.
func (s *SQLiteStore) DeleteExchange(ctx context.Context, userID string, index int) (int, error) {
	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role FROM conversation_turns WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return 0, fmt.Errorf("query turns for delete: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close delete rows", "error", closeErr)
		}
	}()

	type turnRow struct {
		id   int64
		role string
	}
	var all []turnRow
	for rows.Next() {
		var tr turnRow
		if err := rows.Scan(&tr.id, &tr.role); err != nil {
			return 0, fmt.Errorf("scan turn row: %w", err)
		}
		all = append(all, tr)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate turns for delete: %w", err)
	}

	if index < 0 || index >= len(all) {
		return 0, ErrIndexOutOfRange
	}

	ids := []int64{all[index].id}
	if all[index].role == string(domain.RoleUser) &&
		index+1 < len(all) && all[index+1].role == string(domain.RoleAssistant) {
		ids = append(ids, all[index+1].id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete exchange: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete turn %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete exchange: %w", err)
	}

	return len(ids), nil
}

// LoadScans returns the stored scan records, oldest first.
func (s *SQLiteStore) LoadScans(ctx context.Context, userID string) ([]domain.ScanRecord, error) {
	query := `
		SELECT page, result, redirects, status, created_at
		FROM scan_records WHERE user_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close scan rows", "error", closeErr)
		}
	}()

	var records []domain.ScanRecord
	for rows.Next() {
		var rec domain.ScanRecord
		var createdAt int64
		if err := rows.Scan(&rec.Page, &rec.Result, &rec.Redirects, &rec.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}

	return records, nil
}

// AppendScan appends a scan record and evicts beyond the bound, oldest first.
func (s *SQLiteStore) AppendScan(ctx context.Context, userID string, rec domain.ScanRecord) error {
	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append scan: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		insert := `INSERT INTO scan_records (user_id, page, redirects, status, result, created_at) VALUES (?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insert,
			userID, rec.Page, rec.Redirects, rec.Status, rec.Result, createdAt.Unix()); err != nil {
			return fmt.Errorf("insert scan record: %w", err)
		}

		trim := `
			DELETE FROM scan_records WHERE user_id = ? AND id NOT IN (
				SELECT id FROM scan_records WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)`
		if _, err := tx.ExecContext(ctx, trim, userID, userID, s.maxScans); err != nil {
			return fmt.Errorf("trim scan history: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append scan: %w", err)
		}
		return nil
	})
}

// AppendLog appends a timestamped free-text line to the user's request log.
func (s *SQLiteStore) AppendLog(ctx context.Context, userID, line string) error {
	query := `INSERT INTO request_log (user_id, line, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, userID, line, time.Now().Unix()); err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry retries fn on SQLite concurrency errors with exponential backoff.
func (s *SQLiteStore) withRetry(fn func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
			slog.Debug("SQLite write conflict, retrying", "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxRetries, err)
}
