package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorStore keeps chunks in a postgres table with a pgvector column.
type PgvectorStore struct {
	pool      *pgxpool.Pool
	dimension int
}

// NewPgvectorStore creates the extension, table and indexes if missing.
func NewPgvectorStore(ctx context.Context, pool *pgxpool.Pool, dimension int) (*PgvectorStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if dimension <= 0 {
		return nil, errors.New("embedding dimension must be positive")
	}

	s := &PgvectorStore{pool: pool, dimension: dimension}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *PgvectorStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS memory_chunks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			exchange_ordinal INTEGER NOT NULL,
			type TEXT NOT NULL,
			source_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_memory_chunks_scope ON memory_chunks(user_id, session_key);
	`, s.dimension))
	return err
}

func (s *PgvectorStore) Name() string { return "pgvector" }

func (s *PgvectorStore) Add(ctx context.Context, records []Record) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		md := rec.Chunk.Metadata
		batch.Queue(`
			INSERT INTO memory_chunks (id, user_id, session_key, exchange_ordinal, type, source_id, content, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, md.ChunkID, md.UserID, md.SessionKey, md.ExchangeOrdinal, md.Type, md.SourceID,
			rec.Chunk.Content, pgvector.NewVector(rec.Embedding))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting chunks: %w", err)
	}
	return nil
}

func (s *PgvectorStore) Search(ctx context.Context, embedding []float32, filter Filter, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, session_key, exchange_ordinal, type, source_id, content,
		       1 - (embedding <=> $1) AS similarity
		FROM memory_chunks
		WHERE user_id = $2 AND session_key = $3
		ORDER BY embedding <=> $1
		LIMIT $4
	`, pgvector.NewVector(embedding), filter.UserID, filter.SessionKey, k)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var m Match
		md := &m.Chunk.Metadata
		if err := rows.Scan(&md.ChunkID, &md.UserID, &md.SessionKey, &md.ExchangeOrdinal,
			&md.Type, &md.SourceID, &m.Chunk.Content, &m.Score); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PgvectorStore) DeleteBySession(ctx context.Context, sessionKey string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_chunks WHERE session_key = $1`, sessionKey)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgvectorStore) Reset(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_chunks`)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgvectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory_chunks`).Scan(&n)
	return n, err
}

// Close is a no-op: the pool belongs to the caller.
func (s *PgvectorStore) Close() error {
	return nil
}
