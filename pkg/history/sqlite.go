package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

// SQLiteConfig configures the embedded history store.
type SQLiteConfig struct {
	Path   string
	Logger zerolog.Logger
}

// SQLiteStore keeps chat_history and chat_sessions in a local sqlite file.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: cfg.Logger,
		now:    time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("History store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_history (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			message TEXT NOT NULL,
			response TEXT NOT NULL,
			msg_type TEXT NOT NULL DEFAULT 'text',
			created_at INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'conversation',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_session ON chat_history(session_id, is_deleted, created_at);
		CREATE INDEX IF NOT EXISTS idx_history_user ON chat_history(user_id);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON chat_sessions(user_id, is_active);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, userID, characterID, userText, assistantText string) (string, error) {
	d, err := session.NewDescriptor(userID, characterID, "")
	if err != nil {
		return "", err
	}

	ctx, span := tracing.StartSpan(ctx, "lumilove.history", "history.append",
		attribute.String("session_key", d.SessionKey),
	)
	defer span.End()

	id := ulid.Make().String()
	now := s.now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_history (id, user_id, character_id, message, response, created_at, session_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, userID, characterID, userText, assistantText, now, d.SessionKey, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to insert exchange: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, character_id, title, created_at, updated_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at, is_active = 1
	`, d.SessionKey, userID, characterID, d.Title, now, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to commit exchange: %w", err)
	}

	return id, nil
}

// QueryRecent implements Store.
func (s *SQLiteStore) QueryRecent(ctx context.Context, sessionKey string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		return []Exchange{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, character_id, session_id, message, response, is_deleted, created_at
		FROM chat_history
		WHERE session_id = ? AND is_deleted = 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent exchanges: %w", err)
	}
	defer rows.Close()

	return scanSQLiteExchanges(rows)
}

// ListExchanges implements Store.
func (s *SQLiteStore) ListExchanges(ctx context.Context, sessionKey string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, character_id, session_id, message, response, is_deleted, created_at
		FROM (
			SELECT * FROM chat_history
			WHERE session_id = ? AND is_deleted = 0
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer rows.Close()

	return scanSQLiteExchanges(rows)
}

// MarkSessionDeleted implements Store.
func (s *SQLiteStore) MarkSessionDeleted(ctx context.Context, sessionKey string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "lumilove.history", "history.mark_deleted",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE chat_history SET is_deleted = 1 WHERE session_id = ? AND is_deleted = 0`, sessionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to mark exchanges deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET is_active = 0, updated_at = ? WHERE session_id = ?`,
		s.now().UnixNano(), sessionKey); err != nil {
		return false, fmt.Errorf("failed to deactivate session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}

	span.SetAttributes(attribute.Int64("rows", n))
	return n > 0, nil
}

// SessionKeys implements Store.
func (s *SQLiteStore) SessionKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM chat_history WHERE is_deleted = 0 ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// EnsureSession implements Store.
func (s *SQLiteStore) EnsureSession(ctx context.Context, d session.Descriptor) (session.Descriptor, error) {
	now := s.now().UnixNano()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, character_id, title, created_at, updated_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(session_id) DO UPDATE SET is_active = 1
	`, d.SessionKey, d.UserID, d.CharacterID, d.Title, now, now); err != nil {
		return session.Descriptor{}, fmt.Errorf("failed to ensure session: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, character_id, title, created_at, updated_at
		FROM chat_sessions WHERE session_id = ?
	`, d.SessionKey)
	return scanSQLiteSession(row)
}

// Sessions implements Store.
func (s *SQLiteStore) Sessions(ctx context.Context, userID string) ([]session.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, character_id, title, created_at, updated_at
		FROM chat_sessions
		WHERE user_id = ? AND is_active = 1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []session.Descriptor{}
	for rows.Next() {
		d, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteExchanges(rows *sql.Rows) ([]Exchange, error) {
	out := []Exchange{}
	for rows.Next() {
		var (
			ex        Exchange
			deleted   int
			createdAt int64
		)
		if err := rows.Scan(&ex.ID, &ex.UserID, &ex.CharacterID, &ex.SessionKey,
			&ex.Message, &ex.Response, &deleted, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		ex.IsDeleted = deleted != 0
		ex.CreatedAt = time.Unix(0, createdAt)
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanSQLiteSession(row rowScanner) (session.Descriptor, error) {
	var (
		d                session.Descriptor
		created, updated int64
	)
	if err := row.Scan(&d.SessionKey, &d.UserID, &d.CharacterID, &d.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Descriptor{}, ErrSessionNotFound
		}
		return session.Descriptor{}, fmt.Errorf("failed to scan session: %w", err)
	}
	d.CreatedAt = time.Unix(0, created)
	d.UpdatedAt = time.Unix(0, updated)
	return d, nil
}
