package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
)

// Config holds memory index configuration
type Config struct {
	Store        VectorStore
	Embedder     EmbeddingProvider
	Logger       zerolog.Logger
	ChunkSize    int
	ChunkOverlap int
	// Concurrency bounds parallel embedding calls during Upsert.
	Concurrency int
}

// Index is the long-term memory of conversations, scoped by user and session.
type Index struct {
	store       VectorStore
	embedder    EmbeddingProvider
	splitter    *RecursiveSplitter
	logger      zerolog.Logger
	concurrency int
	newID       func() string
	closeOnce   sync.Once
}

// NewIndex creates a memory index over store and embedder.
func NewIndex(cfg Config) (*Index, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, errors.New("vector store is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedding provider is required")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Index{
		store:       cfg.Store,
		embedder:    cfg.Embedder,
		splitter:    NewRecursiveSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		logger:      cfg.Logger,
		concurrency: concurrency,
		newID:       func() string { return uuid.New().String() },
	}, nil
}

// Backend names the vector store in use.
func (x *Index) Backend() string {
	return x.store.Name()
}

// documentText is the indexed rendering of one exchange.
func documentText(ex Exchange) string {
	return "user: " + ex.User + "\nassistant: " + ex.Assistant
}

// Upsert splits, embeds and stores the exchanges. Failed chunks are logged
// and skipped. A non-empty batch that wrote nothing returns ErrIndexWrite;
// one that wrote only some chunks returns ErrIndexPartial.
func (x *Index) Upsert(ctx context.Context, userID, sessionKey string, exchanges []Exchange) error {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "lumilove.memory", "memory.upsert",
		attribute.String("session_key", sessionKey),
		attribute.Int("exchanges", len(exchanges)),
	)
	defer span.End()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	logger := tracing.LoggerFromContext(ctx, x.logger)

	var chunks []Chunk
	for ordinal, ex := range exchanges {
		if !history.IsCarryingReply(ex.Assistant) {
			continue
		}
		for _, piece := range x.splitter.Split(documentText(ex)) {
			chunks = append(chunks, Chunk{
				Content: piece,
				Metadata: ChunkMetadata{
					UserID:          userID,
					SessionKey:      sessionKey,
					ExchangeOrdinal: ordinal,
					Type:            ChunkTypeConversation,
					ChunkID:         x.newID(),
					SourceID:        ex.SourceID,
				},
			})
		}
	}
	if len(chunks) == 0 {
		return nil
	}

	embeddings := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for i := range chunks {
		g.Go(func() error {
			emb, err := x.embedder.GenerateEmbedding(gctx, chunks[i].Content)
			if err != nil {
				observability.RecordChunkFailure("embed")
				logger.Warn().Err(err).
					Str("chunk_id", chunks[i].Metadata.ChunkID).
					Msg("Failed to embed chunk, skipping")
				return nil
			}
			embeddings[i] = emb
			return nil
		})
	}
	_ = g.Wait()

	written := 0
	for i, chunk := range chunks {
		if embeddings[i] == nil {
			continue
		}
		if err := x.store.Add(ctx, []Record{{Chunk: chunk, Embedding: embeddings[i]}}); err != nil {
			observability.RecordChunkFailure("store")
			logger.Warn().Err(err).
				Str("chunk_id", chunk.Metadata.ChunkID).
				Msg("Failed to store chunk, skipping")
			continue
		}
		written++
	}

	span.SetAttributes(attribute.Int("chunks", len(chunks)), attribute.Int("written", written))
	if written == 0 {
		span.SetStatus(codes.Error, "no chunks written")
		return fmt.Errorf("%w: 0 of %d chunks stored", ErrIndexWrite, len(chunks))
	}
	if written < len(chunks) {
		span.SetStatus(codes.Error, "some chunks skipped")
		return fmt.Errorf("%w: %d of %d chunks stored", ErrIndexPartial, written, len(chunks))
	}

	logger.Debug().
		Int("chunks", len(chunks)).
		Int("written", written).
		Dur("duration", time.Since(start)).
		Msg("Exchanges indexed")
	return nil
}

// Query returns up to k chunks of the user's session most similar to text,
// highest score first.
func (x *Index) Query(ctx context.Context, text, userID, sessionKey string, k int) ([]RetrievedItem, error) {
	if strings.TrimSpace(text) == "" || k <= 0 {
		return []RetrievedItem{}, nil
	}

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "lumilove.memory", "memory.query",
		attribute.String("session_key", sessionKey),
		attribute.Int("k", k),
	)
	defer span.End()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	logger := tracing.LoggerFromContext(ctx, x.logger)

	emb, err := x.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("%w: embedding: %v", ErrIndexQuery, err)
	}

	filter := Filter{UserID: userID, SessionKey: sessionKey}
	matches, err := x.store.Search(ctx, emb, filter, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrIndexQuery, x.store.Name(), err)
	}

	items := make([]RetrievedItem, 0, len(matches))
	for _, m := range matches {
		if !filter.matches(m.Chunk.Metadata) {
			observability.RecordFilterViolation()
			logger.Warn().
				Str("chunk_id", m.Chunk.Metadata.ChunkID).
				Str("chunk_user_id", m.Chunk.Metadata.UserID).
				Str("chunk_session_key", m.Chunk.Metadata.SessionKey).
				Msg("Dropping search result outside the requested session")
			continue
		}
		items = append(items, RetrievedItem{
			Chunk:    m.Chunk,
			Score:    m.Score,
			Distance: 1 - m.Score,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
	if len(items) > k {
		items = items[:k]
	}

	span.SetAttributes(attribute.Int("results", len(items)))
	return items, nil
}

// DeleteSession removes every chunk of the session. Deleting an unknown
// session removes nothing and is not an error.
func (x *Index) DeleteSession(ctx context.Context, sessionKey string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "lumilove.memory", "memory.delete_session",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	removed, err := x.store.DeleteBySession(ctx, sessionKey)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("delete session chunks: %w", err)
	}

	span.SetAttributes(attribute.Int("removed", removed))
	logger := tracing.LoggerFromContext(ctx, x.logger)
	logger.Info().
		Str("session_key", sessionKey).
		Int("removed", removed).
		Msg("Session memory deleted")
	return removed, nil
}

// Clear removes every chunk of every session.
func (x *Index) Clear(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "lumilove.memory", "memory.clear")
	defer span.End()

	removed, err := x.store.Reset(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("clear memory index: %w", err)
	}
	observability.SetMemoryChunks(0)
	logger := tracing.LoggerFromContext(ctx, x.logger)
	logger.Info().Int("removed", removed).Msg("Memory index cleared")
	return removed, nil
}

// Stats reports the chunk count, or the zero value if the store cannot say.
func (x *Index) Stats(ctx context.Context) Stats {
	n, err := x.store.Count(ctx)
	if err != nil {
		x.logger.Warn().Err(err).Msg("Failed to count memory chunks")
		return Stats{}
	}
	observability.SetMemoryChunks(n)
	return Stats{DocumentCount: n}
}

// Close releases the vector store.
func (x *Index) Close() error {
	var err error
	x.closeOnce.Do(func() {
		err = x.store.Close()
	})
	return err
}
