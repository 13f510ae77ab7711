package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry records one exchange whose index write did not happen.
type Entry struct {
	SessionKey string    `json:"session_key"`
	UserID     string    `json:"user_id"`
	SourceID   string    `json:"source_id,omitempty"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Ledger tracks sessions whose index lags the authoritative store.
type Ledger interface {
	Record(ctx context.Context, e Entry) error
	// Pending returns all unresolved entries, oldest first.
	Pending(ctx context.Context) ([]Entry, error)
	// Resolve clears every entry of the session.
	Resolve(ctx context.Context, sessionKey string) error
	Close() error
}

// PendingSessions reduces entries to their distinct session keys, in order
// of first appearance.
func PendingSessions(entries []Entry) []string {
	seen := make(map[string]bool, len(entries))
	var keys []string
	for _, e := range entries {
		if !seen[e.SessionKey] {
			seen[e.SessionKey] = true
			keys = append(keys, e.SessionKey)
		}
	}
	return keys
}

// SQLiteLedger keeps entries in the index_backlog table.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS index_backlog (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			user_id TEXT NOT NULL,
			source_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_index_backlog_session ON index_backlog(session_key);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO index_backlog (session_key, user_id, source_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.SessionKey, e.UserID, e.SourceID, e.Reason, e.At.UnixNano())
	return err
}

func (l *SQLiteLedger) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_key, user_id, source_id, reason, created_at
		FROM index_backlog
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			at int64
		)
		if err := rows.Scan(&e.SessionKey, &e.UserID, &e.SourceID, &e.Reason, &at); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *SQLiteLedger) Resolve(ctx context.Context, sessionKey string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM index_backlog WHERE session_key = ?`, sessionKey)
	return err
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *MemoryLedger) Pending(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (l *MemoryLedger) Resolve(ctx context.Context, sessionKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.SessionKey != sessionKey {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return nil
}

func (l *MemoryLedger) Close() error { return nil }
