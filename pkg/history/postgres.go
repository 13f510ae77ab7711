package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

// PostgresConfig configures the store backed by the web backend's database.
type PostgresConfig struct {
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
	// CreateTables issues CREATE TABLE IF NOT EXISTS for both tables. Leave off
	// when the schema is owned by another service.
	CreateTables bool
}

// PostgresStore reads and writes the chat_history and chat_sessions tables
// that the web backend also uses. User and character ids are bigint there.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.Pool == nil {
		return nil, errors.New("pool is required")
	}
	s := &PostgresStore{pool: cfg.Pool, logger: cfg.Logger}
	if cfg.CreateTables {
		if err := s.initSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chat_history (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			character_id BIGINT NOT NULL,
			message TEXT NOT NULL,
			response TEXT NOT NULL,
			msg_type VARCHAR(20) NOT NULL DEFAULT 'text',
			created_at TIMESTAMP NOT NULL DEFAULT now(),
			session_id VARCHAR(100),
			message_type VARCHAR(20) DEFAULT 'conversation',
			is_deleted BOOLEAN DEFAULT false,
			"timestamp" TIMESTAMP DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id);
		CREATE INDEX IF NOT EXISTS idx_chat_history_deleted ON chat_history(is_deleted);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id SERIAL PRIMARY KEY,
			session_id VARCHAR(100) UNIQUE NOT NULL,
			user_id VARCHAR(100) NOT NULL,
			title VARCHAR(200),
			created_at TIMESTAMP DEFAULT now(),
			updated_at TIMESTAMP DEFAULT now(),
			is_active BOOLEAN DEFAULT true
		);
	`)
	return err
}

func parseBigint(kind, id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s id %q is not numeric", session.ErrInvalidIdentifier, kind, id)
	}
	return n, nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, userID, characterID, userText, assistantText string) (string, error) {
	d, err := session.NewDescriptor(userID, characterID, "")
	if err != nil {
		return "", err
	}
	uid, err := parseBigint("user", userID)
	if err != nil {
		return "", err
	}
	cid, err := parseBigint("character", characterID)
	if err != nil {
		return "", err
	}

	ctx, span := tracing.StartSpan(ctx, "lumilove.history", "history.append",
		attribute.String("session_key", d.SessionKey),
	)
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug().Err(rbErr).Msg("transaction rollback")
		}
	}()

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO chat_history (user_id, character_id, message, response, msg_type, session_id, message_type, is_deleted, created_at, "timestamp")
		VALUES ($1, $2, $3, $4, 'text', $5, 'conversation', false, now(), now())
		RETURNING id
	`, uid, cid, userText, assistantText, d.SessionKey).Scan(&id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("inserting exchange: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, title, created_at, updated_at, is_active)
		VALUES ($1, $2, $3, now(), now(), true)
		ON CONFLICT (session_id) DO UPDATE SET updated_at = now(), is_active = true
	`, d.SessionKey, userID, d.Title); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing exchange: %w", err)
	}

	return strconv.FormatInt(id, 10), nil
}

const exchangeCols = `id, user_id, character_id, session_id, message, response, COALESCE(is_deleted, false), created_at`

// QueryRecent implements Store.
func (s *PostgresStore) QueryRecent(ctx context.Context, sessionKey string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		return []Exchange{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+exchangeCols+`
		FROM chat_history
		WHERE session_id = $1 AND is_deleted = false
		ORDER BY "timestamp" DESC, id DESC
		LIMIT $2
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent exchanges: %w", err)
	}
	defer rows.Close()
	return scanPgExchanges(rows)
}

// ListExchanges implements Store.
func (s *PostgresStore) ListExchanges(ctx context.Context, sessionKey string, limit int) ([]Exchange, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+exchangeCols+`, "timestamp" AS ts
			FROM chat_history
			WHERE session_id = $1 AND is_deleted = false
			ORDER BY "timestamp" DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY ts ASC, id ASC
	`, sessionKey, limitArg)
	if err != nil {
		return nil, fmt.Errorf("listing exchanges: %w", err)
	}
	defer rows.Close()

	out := []Exchange{}
	for rows.Next() {
		var (
			ex       Exchange
			id       int64
			uid, cid int64
			sk       *string
			ts       *time.Time
		)
		if err := rows.Scan(&id, &uid, &cid, &sk, &ex.Message, &ex.Response, &ex.IsDeleted, &ex.CreatedAt, &ts); err != nil {
			return nil, fmt.Errorf("scanning exchange: %w", err)
		}
		fillPgIDs(&ex, id, uid, cid, sk)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// MarkSessionDeleted implements Store.
func (s *PostgresStore) MarkSessionDeleted(ctx context.Context, sessionKey string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "lumilove.history", "history.mark_deleted",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_history SET is_deleted = true WHERE session_id = $1 AND is_deleted = false`, sessionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("marking exchanges deleted: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET is_active = false, updated_at = now() WHERE session_id = $1`, sessionKey); err != nil {
		s.logger.Warn().Err(err).Str("session_key", sessionKey).Msg("Failed to deactivate session row")
	}

	return tag.RowsAffected() > 0, nil
}

// SessionKeys implements Store.
func (s *PostgresStore) SessionKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT session_id FROM chat_history
		WHERE is_deleted = false AND session_id IS NOT NULL
		ORDER BY session_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// EnsureSession implements Store.
func (s *PostgresStore) EnsureSession(ctx context.Context, d session.Descriptor) (session.Descriptor, error) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, title, created_at, updated_at, is_active)
		VALUES ($1, $2, $3, now(), now(), true)
		ON CONFLICT (session_id) DO UPDATE SET is_active = true
	`, d.SessionKey, d.UserID, d.Title); err != nil {
		return session.Descriptor{}, fmt.Errorf("ensuring session: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, COALESCE(title, ''), created_at, updated_at
		FROM chat_sessions WHERE session_id = $1
	`, d.SessionKey)
	out, err := scanPgSession(row)
	if err != nil {
		return session.Descriptor{}, err
	}
	out.CharacterID = d.CharacterID
	return out, nil
}

// Sessions implements Store.
func (s *PostgresStore) Sessions(ctx context.Context, userID string) ([]session.Descriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, user_id, COALESCE(title, ''), created_at, updated_at
		FROM chat_sessions
		WHERE user_id = $1 AND is_active = true
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	out := []session.Descriptor{}
	for rows.Next() {
		d, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		if _, characterID, err := (session.Resolver{}).Parse(d.SessionKey); err == nil {
			d.CharacterID = characterID
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op: the pool belongs to the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func scanPgExchanges(rows pgx.Rows) ([]Exchange, error) {
	out := []Exchange{}
	for rows.Next() {
		var (
			ex       Exchange
			id       int64
			uid, cid int64
			sk       *string
		)
		if err := rows.Scan(&id, &uid, &cid, &sk, &ex.Message, &ex.Response, &ex.IsDeleted, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning exchange: %w", err)
		}
		fillPgIDs(&ex, id, uid, cid, sk)
		out = append(out, ex)
	}
	return out, rows.Err()
}

func fillPgIDs(ex *Exchange, id, uid, cid int64, sessionKey *string) {
	ex.ID = strconv.FormatInt(id, 10)
	ex.UserID = strconv.FormatInt(uid, 10)
	ex.CharacterID = strconv.FormatInt(cid, 10)
	if sessionKey != nil {
		ex.SessionKey = *sessionKey
	}
}

func scanPgSession(row pgx.Row) (session.Descriptor, error) {
	var d session.Descriptor
	var created, updated *time.Time
	if err := row.Scan(&d.SessionKey, &d.UserID, &d.Title, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Descriptor{}, ErrSessionNotFound
		}
		return session.Descriptor{}, fmt.Errorf("scanning session: %w", err)
	}
	if created != nil {
		d.CreatedAt = *created
	}
	if updated != nil {
		d.UpdatedAt = *updated
	}
	return d, nil
}
