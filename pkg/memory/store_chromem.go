package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const chromemCollection = "conversations"

// ChromemStore keeps chunks in an embedded chromem-go collection, optionally
// persisted to disk.
type ChromemStore struct {
	db *chromem.DB
	// mu guards col, which Reset replaces. The write lock also serializes
	// deletes so the before/after count is exact.
	mu  sync.RWMutex
	col *chromem.Collection
}

// NewChromemStore opens a persistent store under path, or an in-memory one
// when path is empty.
func NewChromemStore(path string) (*ChromemStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get or create collection: %w", err)
	}

	return &ChromemStore{db: db, col: col}, nil
}

func (s *ChromemStore) Name() string { return "chromem" }

func (s *ChromemStore) collection() *chromem.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col
}

func (s *ChromemStore) Add(ctx context.Context, records []Record) error {
	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		docs = append(docs, chromem.Document{
			ID:        rec.Chunk.Metadata.ChunkID,
			Content:   rec.Chunk.Content,
			Embedding: rec.Embedding,
			Metadata:  rec.Chunk.Metadata.toMap(),
		})
	}
	col := s.collection()
	for _, doc := range docs {
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document: %w", err)
		}
	}
	return nil
}

// Search queries the collection with a metadata filter. chromem-go requires
// nResults <= collection size, so the limit is clamped and retried downward.
func (s *ChromemStore) Search(ctx context.Context, embedding []float32, filter Filter, k int) ([]Match, error) {
	col := s.collection()
	n := k
	if count := col.Count(); count < n {
		n = count
	}
	if n <= 0 {
		return []Match{}, nil
	}

	where := map[string]string{
		metaUserID:     filter.UserID,
		metaSessionKey: filter.SessionKey,
	}

	var results []chromem.Result
	for ; n >= 1; n-- {
		var err error
		results, err = col.QueryEmbedding(ctx, embedding, n, where, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		if n == 1 {
			return []Match{}, nil
		}
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		md := metadataFromMap(r.Metadata)
		if md.ChunkID == "" {
			md.ChunkID = r.ID
		}
		matches = append(matches, Match{
			Chunk: Chunk{Content: r.Content, Metadata: md},
			Score: float64(r.Similarity),
		})
	}
	return matches, nil
}

func (s *ChromemStore) DeleteBySession(ctx context.Context, sessionKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.col.Count()
	if before == 0 {
		return 0, nil
	}
	if err := s.col.Delete(ctx, map[string]string{metaSessionKey: sessionKey}, nil); err != nil {
		return 0, fmt.Errorf("chromem delete: %w", err)
	}
	return before - s.col.Count(), nil
}

// Reset drops the collection and recreates it empty.
func (s *ChromemStore) Reset(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.col.Count()
	if err := s.db.DeleteCollection(chromemCollection); err != nil {
		return 0, fmt.Errorf("chromem delete collection: %w", err)
	}
	col, err := s.db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("get or create collection: %w", err)
	}
	s.col = col
	return before, nil
}

func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	return s.collection().Count(), nil
}

// Close is a no-op; persistent collections are written on every change.
func (s *ChromemStore) Close() error {
	return nil
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
