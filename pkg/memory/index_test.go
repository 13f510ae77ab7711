package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
)

const testDimension = 64

type storeFactory struct {
	name string
	open func(t *testing.T) VectorStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"sqlite", func(t *testing.T) VectorStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"), testDimension)
			require.NoError(t, err)
			return s
		}},
		{"chromem", func(t *testing.T) VectorStore {
			s, err := NewChromemStore("")
			require.NoError(t, err)
			return s
		}},
		{"chromem-persistent", func(t *testing.T) VectorStore {
			s, err := NewChromemStore(filepath.Join(t.TempDir(), "chromem"))
			require.NoError(t, err)
			return s
		}},
	}
}

func createTestIndex(t *testing.T, store VectorStore) (*Index, *MockEmbeddingProvider, func()) {
	embedder := NewMockEmbeddingProvider(testDimension)
	idx, err := NewIndex(Config{
		Store:        store,
		Embedder:     embedder,
		Logger:       zerolog.New(os.Stdout).Level(zerolog.Disabled),
		ChunkSize:    200,
		ChunkOverlap: 40,
	})
	require.NoError(t, err)
	return idx, embedder, func() { idx.Close() }
}

func TestNewIndex_InvalidConfig(t *testing.T) {
	_, err := NewIndex(Config{Embedder: NewMockEmbeddingProvider(4)})
	assert.Error(t, err)

	s, err := NewChromemStore("")
	require.NoError(t, err)
	_, err = NewIndex(Config{Store: s})
	assert.Error(t, err)
}

func TestIndex_Stores(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Run("write then read", func(t *testing.T) {
				idx, _, cleanup := createTestIndex(t, f.open(t))
				defer cleanup()
				ctx := context.Background()

				err := idx.Upsert(ctx, "7", "user_7_character_42", []Exchange{
					{User: "my cat is called Mochi", Assistant: "Mochi is a lovely name", SourceID: "101"},
				})
				require.NoError(t, err)

				items, err := idx.Query(ctx, "what is my cat called", "7", "user_7_character_42", 5)
				require.NoError(t, err)
				require.NotEmpty(t, items)
				assert.Contains(t, items[0].Chunk.Content, "Mochi")
				assert.Equal(t, "user: my cat is called Mochi\nassistant: Mochi is a lovely name", items[0].Chunk.Content)

				md := items[0].Chunk.Metadata
				assert.Equal(t, "7", md.UserID)
				assert.Equal(t, "user_7_character_42", md.SessionKey)
				assert.Equal(t, ChunkTypeConversation, md.Type)
				assert.Equal(t, "101", md.SourceID)
				assert.NotEmpty(t, md.ChunkID)
				assert.InDelta(t, 1-items[0].Score, items[0].Distance, 1e-9)

				assert.Equal(t, 1, idx.Stats(ctx).DocumentCount)
			})

			t.Run("clear removes everything", func(t *testing.T) {
				idx, _, cleanup := createTestIndex(t, f.open(t))
				defer cleanup()
				ctx := context.Background()

				require.NoError(t, idx.Upsert(ctx, "7", "user_7_character_1", []Exchange{
					{User: "I like tea", Assistant: "Tea is great"},
				}))
				require.NoError(t, idx.Upsert(ctx, "8", "user_8_character_1", []Exchange{
					{User: "I like coffee", Assistant: "Coffee it is"},
				}))

				removed, err := idx.Clear(ctx)
				require.NoError(t, err)
				assert.Equal(t, 2, removed)
				assert.Equal(t, 0, idx.Stats(ctx).DocumentCount)

				items, err := idx.Query(ctx, "tea", "7", "user_7_character_1", 5)
				require.NoError(t, err)
				assert.Empty(t, items)

				// the index stays usable
				require.NoError(t, idx.Upsert(ctx, "7", "user_7_character_1", []Exchange{
					{User: "back again", Assistant: "welcome back"},
				}))
				assert.Equal(t, 1, idx.Stats(ctx).DocumentCount)
			})

			t.Run("filter isolates sessions", func(t *testing.T) {
				idx, _, cleanup := createTestIndex(t, f.open(t))
				defer cleanup()
				ctx := context.Background()

				require.NoError(t, idx.Upsert(ctx, "7", "user_7_character_1", []Exchange{
					{User: "I like tea", Assistant: "Tea is great"},
				}))
				require.NoError(t, idx.Upsert(ctx, "7", "user_7_character_2", []Exchange{
					{User: "I like tea too", Assistant: "Green tea then"},
				}))
				require.NoError(t, idx.Upsert(ctx, "8", "user_8_character_1", []Exchange{
					{User: "I like tea as well", Assistant: "Black tea then"},
				}))

				items, err := idx.Query(ctx, "tea", "7", "user_7_character_1", 10)
				require.NoError(t, err)
				require.Len(t, items, 1)
				assert.Equal(t, "user_7_character_1", items[0].Chunk.Metadata.SessionKey)
				assert.Equal(t, "7", items[0].Chunk.Metadata.UserID)

				// user and session must both match
				items, err = idx.Query(ctx, "tea", "8", "user_7_character_1", 10)
				require.NoError(t, err)
				assert.Empty(t, items)
			})

			t.Run("results ordered by score", func(t *testing.T) {
				idx, _, cleanup := createTestIndex(t, f.open(t))
				defer cleanup()
				ctx := context.Background()

				require.NoError(t, idx.Upsert(ctx, "1", "user_1_character_1", []Exchange{
					{User: "zzzz", Assistant: "zzzz"},
					{User: "apple", Assistant: "apple pie"},
					{User: "qqqq", Assistant: "xxxx"},
				}))

				items, err := idx.Query(ctx, "apple", "1", "user_1_character_1", 2)
				require.NoError(t, err)
				require.Len(t, items, 2)
				assert.GreaterOrEqual(t, items[0].Score, items[1].Score)
				assert.Contains(t, items[0].Chunk.Content, "apple")
				assert.Equal(t, 1, items[0].Chunk.Metadata.ExchangeOrdinal)
			})

			t.Run("delete then query is empty", func(t *testing.T) {
				idx, _, cleanup := createTestIndex(t, f.open(t))
				defer cleanup()
				ctx := context.Background()

				require.NoError(t, idx.Upsert(ctx, "7", "user_7_character_42", []Exchange{
					{User: "remember the code 1234", Assistant: "noted"},
					{User: "and 5678", Assistant: "noted too"},
				}))
				require.NoError(t, idx.Upsert(ctx, "7", "user_7_character_43", []Exchange{
					{User: "other session", Assistant: "kept"},
				}))

				removed, err := idx.DeleteSession(ctx, "user_7_character_42")
				require.NoError(t, err)
				assert.Equal(t, 2, removed)

				items, err := idx.Query(ctx, "code", "7", "user_7_character_42", 5)
				require.NoError(t, err)
				assert.Empty(t, items)

				removed, err = idx.DeleteSession(ctx, "user_7_character_42")
				require.NoError(t, err)
				assert.Equal(t, 0, removed)

				assert.Equal(t, 1, idx.Stats(ctx).DocumentCount)
			})

			t.Run("long exchange is chunked", func(t *testing.T) {
				idx, _, cleanup := createTestIndex(t, f.open(t))
				defer cleanup()
				ctx := context.Background()

				long := strings.Repeat("story time again ", 60)
				require.NoError(t, idx.Upsert(ctx, "1", "user_1_character_1", []Exchange{
					{User: "tell me a story", Assistant: long},
				}))
				assert.Greater(t, idx.Stats(ctx).DocumentCount, 1)
			})
		})
	}
}

func TestIndex_UpsertSkipsEmptyAndSentinelReplies(t *testing.T) {
	idx, embedder, cleanup := createTestIndex(t, mustChromem(t))
	defer cleanup()
	ctx := context.Background()

	err := idx.Upsert(ctx, "1", "user_1_character_1", []Exchange{
		{User: "hi", Assistant: ""},
		{User: "hi", Assistant: "   "},
		{User: "hi", Assistant: "[流式响应]"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), embedder.calls.Load())
	assert.Equal(t, 0, idx.Stats(ctx).DocumentCount)

	require.NoError(t, idx.Upsert(ctx, "1", "user_1_character_1", nil))
}

func TestIndex_UpsertPartialFailure(t *testing.T) {
	idx, embedder, cleanup := createTestIndex(t, mustChromem(t))
	defer cleanup()
	ctx := context.Background()

	embedder.failOn = func(text string) bool { return strings.Contains(text, "broken") }

	err := idx.Upsert(ctx, "1", "user_1_character_1", []Exchange{
		{User: "broken one", Assistant: "a"},
		{User: "fine one", Assistant: "b"},
	})
	assert.ErrorIs(t, err, ErrIndexPartial)
	assert.NotErrorIs(t, err, ErrIndexWrite)
	assert.Contains(t, err.Error(), "1 of 2 chunks stored")
	assert.Equal(t, 1, idx.Stats(ctx).DocumentCount)

	err = idx.Upsert(ctx, "1", "user_1_character_1", []Exchange{
		{User: "broken again", Assistant: "c"},
	})
	assert.ErrorIs(t, err, ErrIndexWrite)
}

func TestIndex_QueryEdgeCases(t *testing.T) {
	idx, embedder, cleanup := createTestIndex(t, mustChromem(t))
	defer cleanup()
	ctx := context.Background()

	items, err := idx.Query(ctx, "  ", "1", "user_1_character_1", 5)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = idx.Query(ctx, "hello", "1", "user_1_character_1", 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	// empty collection
	items, err = idx.Query(ctx, "hello", "1", "user_1_character_1", 5)
	require.NoError(t, err)
	assert.Empty(t, items)

	embedder.failOn = func(string) bool { return true }
	_, err = idx.Query(ctx, "hello", "1", "user_1_character_1", 5)
	assert.ErrorIs(t, err, ErrIndexQuery)
}

// leakyStore ignores the filter, as a misbehaving backend might.
type leakyStore struct {
	VectorStore
	matches []Match
	err     error
}

func (s *leakyStore) Search(ctx context.Context, embedding []float32, filter Filter, k int) ([]Match, error) {
	return s.matches, s.err
}

func (s *leakyStore) Name() string { return "leaky" }

func (s *leakyStore) Close() error { return nil }

func TestIndex_QueryDropsFilterViolations(t *testing.T) {
	own := ChunkMetadata{UserID: "7", SessionKey: "user_7_character_42", ChunkID: "a"}
	foreign := ChunkMetadata{UserID: "8", SessionKey: "user_8_character_42", ChunkID: "b"}
	store := &leakyStore{matches: []Match{
		{Chunk: Chunk{Content: "low", Metadata: own}, Score: 0.2},
		{Chunk: Chunk{Content: "foreign", Metadata: foreign}, Score: 0.99},
		{Chunk: Chunk{Content: "high", Metadata: own}, Score: 0.8},
	}}

	idx, _, cleanup := createTestIndex(t, store)
	defer cleanup()

	items, err := idx.Query(context.Background(), "anything", "7", "user_7_character_42", 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "high", items[0].Chunk.Content)
	assert.Equal(t, "low", items[1].Chunk.Content)
	assert.InDelta(t, 0.2, items[0].Distance, 1e-9)
}

func TestIndex_QueryBackendFailure(t *testing.T) {
	idx, _, cleanup := createTestIndex(t, &leakyStore{err: errors.New("connection refused")})
	defer cleanup()

	_, err := idx.Query(context.Background(), "anything", "7", "user_7_character_42", 5)
	assert.ErrorIs(t, err, ErrIndexQuery)
}

func TestSQLiteStore_InvalidConfig(t *testing.T) {
	_, err := NewSQLiteStore("", 4)
	assert.Error(t, err)
	_, err = NewSQLiteStore(filepath.Join(t.TempDir(), "m.db"), 0)
	assert.Error(t, err)
}

func TestSQLiteStore_DimensionMismatch(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "m.db"), 4)
	require.NoError(t, err)
	defer s.Close()

	err = s.Add(context.Background(), []Record{{
		Chunk:     Chunk{Content: "x", Metadata: ChunkMetadata{ChunkID: "c1"}},
		Embedding: []float32{1, 2},
	}})
	assert.Error(t, err)
}

func TestChromemStore_Persistence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chromem")
	ctx := context.Background()

	s, err := NewChromemStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, []Record{{
		Chunk: Chunk{Content: "persisted", Metadata: ChunkMetadata{
			UserID: "1", SessionKey: "user_1_character_1", ChunkID: "c1", Type: ChunkTypeConversation,
		}},
		Embedding: []float32{1, 0, 0},
	}}))

	reopened, err := NewChromemStore(dir)
	require.NoError(t, err)
	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	matches, err := reopened.Search(ctx, []float32{1, 0, 0}, Filter{UserID: "1", SessionKey: "user_1_character_1"}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c1", matches[0].Chunk.Metadata.ChunkID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
}

func TestIndex_DeleteAndClearLogWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	idx, err := NewIndex(Config{
		Store:    mustChromem(t),
		Embedder: NewMockEmbeddingProvider(testDimension),
		Logger:   zerolog.New(&buf),
	})
	require.NoError(t, err)

	ctx := tracing.WithTraceID(context.Background(), "trace-delete")
	require.NoError(t, idx.Upsert(ctx, "1", "user_1_character_1", []Exchange{{User: "hi", Assistant: "hello"}}))

	removed, err := idx.DeleteSession(ctx, "user_1_character_1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Contains(t, buf.String(), "Session memory deleted")

	buf.Reset()
	_, err = idx.Clear(ctx)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Memory index cleared")
	assert.Contains(t, buf.String(), `"trace_id":"trace-delete"`)
}

func TestChromemStore_ResetDuringUse(t *testing.T) {
	s, err := NewChromemStore("")
	require.NoError(t, err)
	ctx := context.Background()
	filter := Filter{UserID: "1", SessionKey: "user_1_character_1"}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.Add(ctx, []Record{{
					Chunk: Chunk{Content: "busy", Metadata: ChunkMetadata{
						UserID: "1", SessionKey: "user_1_character_1",
						ChunkID: fmt.Sprintf("w%d-%d", w, i), Type: ChunkTypeConversation,
					}},
					Embedding: []float32{1, float32(i), 0},
				}})
				_, _ = s.Search(ctx, []float32{1, 0, 0}, filter, 3)
				_, _ = s.Count(ctx)
			}
		}(w)
	}
	for i := 0; i < 10; i++ {
		_, err := s.Reset(ctx)
		require.NoError(t, err)
	}
	wg.Wait()

	_, err = s.Reset(ctx)
	require.NoError(t, err)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func mustChromem(t *testing.T) VectorStore {
	s, err := NewChromemStore("")
	require.NoError(t, err)
	return s
}
