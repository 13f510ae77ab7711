package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// SQLiteStore keeps chunks in a sqlite table and their vectors in a vec0 table.
type SQLiteStore struct {
	db        *sql.DB
	dimension int
}

// NewSQLiteStore opens (or creates) the store at path for vectors of the given dimension.
func NewSQLiteStore(path string, dimension int) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if dimension <= 0 {
		return nil, errors.New("embedding dimension must be positive")
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

	s := &SQLiteStore{db: db, dimension: dimension}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the chunk and vector tables if they are missing.
func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			exchange_ordinal INTEGER NOT NULL,
			type TEXT NOT NULL,
			source_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_scope ON chunks(user_id, session_key);
		CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_key);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, s.dimension)
	if _, err := s.db.Exec(vectorSchema); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

// Add inserts all records in one transaction.
func (s *SQLiteStore) Add(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, rec := range records {
		if len(rec.Embedding) != s.dimension {
			return fmt.Errorf("embedding has dimension %d, store expects %d", len(rec.Embedding), s.dimension)
		}
		md := rec.Chunk.Metadata
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, user_id, session_key, exchange_ordinal, type, source_id, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, md.ChunkID, md.UserID, md.SessionKey, md.ExchangeOrdinal, md.Type, md.SourceID, rec.Chunk.Content, now); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}

		embeddingJSON, err := json.Marshal(rec.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO embeddings (chunk_id, embedding) VALUES (?, ?)",
			md.ChunkID, string(embeddingJSON),
		); err != nil {
			return fmt.Errorf("failed to store embedding in vector table: %w", err)
		}
	}

	return tx.Commit()
}

// Search ranks the filtered chunks by cosine distance.
func (s *SQLiteStore) Search(ctx context.Context, embedding []float32, filter Filter, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.id, c.user_id, c.session_key, c.exchange_ordinal, c.type, c.source_id, c.content,
			vec_distance_cosine(e.embedding, ?) AS distance
		FROM chunks c
		JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.user_id = ? AND c.session_key = ?
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), filter.UserID, filter.SessionKey, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var (
			c        Chunk
			distance float64
		)
		if err := rows.Scan(&c.Metadata.ChunkID, &c.Metadata.UserID, &c.Metadata.SessionKey,
			&c.Metadata.ExchangeOrdinal, &c.Metadata.Type, &c.Metadata.SourceID, &c.Content, &distance); err != nil {
			return nil, err
		}
		matches = append(matches, Match{Chunk: c, Score: 1 - distance})
	}
	return matches, rows.Err()
}

// DeleteBySession removes the session's chunks and their vectors.
func (s *SQLiteStore) DeleteBySession(ctx context.Context, sessionKey string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks WHERE session_key = ?", sessionKey)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	// vec0 deletes by primary key only
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE chunk_id = ?", id); err != nil {
			return 0, fmt.Errorf("failed to delete embedding: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE session_key = ?", sessionKey); err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Reset empties both tables.
func (s *SQLiteStore) Reset(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks")
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE chunk_id = ?", id); err != nil {
			return 0, fmt.Errorf("failed to delete embedding: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
