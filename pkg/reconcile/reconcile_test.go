package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

// runeEmbedder is a deterministic rune-histogram embedder.
type runeEmbedder struct{}

func (runeEmbedder) Dimension() int { return 32 }

func (e runeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, e.Dimension())
	v[0] = 0.01
	for _, r := range text {
		v[int(r)%len(v)]++
	}
	return v, nil
}

func (e runeEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.GenerateEmbedding(ctx, t)
	}
	return out, nil
}

type fixture struct {
	store    *history.SQLiteStore
	index    *memory.Index
	ledger   *MemoryLedger
	replayer *Replayer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := history.NewSQLiteStore(history.SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "history.db"),
		Logger: testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vs, err := memory.NewChromemStore("")
	require.NoError(t, err)
	index, err := memory.NewIndex(memory.Config{Store: vs, Embedder: runeEmbedder{}, Logger: testLogger()})
	require.NoError(t, err)

	ledger := NewMemoryLedger()
	replayer, err := NewReplayer(ReplayerConfig{
		Store:    store,
		Index:    index,
		Ledger:   ledger,
		Resolver: session.Resolver{DefaultCharacterID: "1"},
		Logger:   testLogger(),
		Actor:    "test",
	})
	require.NoError(t, err)

	return &fixture{store: store, index: index, ledger: ledger, replayer: replayer}
}

func (f *fixture) append(t *testing.T, user, character, msg, reply string) {
	t.Helper()
	_, err := f.store.Append(context.Background(), user, character, msg, reply)
	require.NoError(t, err)
}

func TestReplaySession_RebuildsFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.append(t, "7", "42", "my cat is Mochi", "lovely name")
	f.append(t, "7", "42", "still typing", history.StreamingSentinel)
	f.append(t, "7", "42", "she is grey", "grey cats are great")

	// a stale chunk that the replay must remove
	require.NoError(t, f.index.Upsert(ctx, "7", "user_7_character_42", []memory.Exchange{{User: "stale", Assistant: "old"}}))

	res, err := f.replayer.ReplaySession(ctx, "user_7_character_42")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 3, res.Exchanges)
	assert.Equal(t, 2, f.index.Stats(ctx).DocumentCount)

	items, err := f.index.Query(ctx, "cat Mochi", "7", "user_7_character_42", 5)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	for _, it := range items {
		assert.NotContains(t, it.Chunk.Content, "stale")
		assert.NotContains(t, it.Chunk.Content, history.StreamingSentinel)
		assert.NotEmpty(t, it.Chunk.Metadata.SourceID)
	}

	t.Run("idempotent", func(t *testing.T) {
		res, err := f.replayer.ReplaySession(ctx, "user_7_character_42")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Removed)
		assert.Equal(t, 2, f.index.Stats(ctx).DocumentCount)
	})
}

func TestReplaySession_DeletedSessionEmptiesIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.append(t, "7", "42", "hello", "hi")
	_, err := f.replayer.ReplaySession(ctx, "user_7_character_42")
	require.NoError(t, err)
	require.Equal(t, 1, f.index.Stats(ctx).DocumentCount)

	_, err = f.store.MarkSessionDeleted(ctx, "user_7_character_42")
	require.NoError(t, err)

	res, err := f.replayer.ReplaySession(ctx, "user_7_character_42")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Exchanges)
	assert.Equal(t, 0, f.index.Stats(ctx).DocumentCount)
}

func TestReplaySession_MalformedKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.replayer.ReplaySession(context.Background(), "not-a-session")
	assert.ErrorIs(t, err, session.ErrMalformedSessionKey)
}

func TestReplayAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.append(t, "7", "1", "a", "b")
	f.append(t, "7", "2", "c", "d")
	f.append(t, "8", "1", "e", "f")

	results, err := f.replayer.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 3, f.index.Stats(ctx).DocumentCount)
}

func TestDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.append(t, "7", "42", "index me", "ok")
	f.append(t, "8", "42", "not pending", "ok")
	require.NoError(t, f.ledger.Record(ctx, Entry{SessionKey: "user_7_character_42", UserID: "7", Reason: "timeout"}))
	require.NoError(t, f.ledger.Record(ctx, Entry{SessionKey: "user_7_character_42", UserID: "7", Reason: "timeout"}))

	results, err := f.replayer.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "user_7_character_42", results[0].SessionKey)

	pending, err := f.ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, f.index.Stats(ctx).DocumentCount)
}

type failingIndex struct{}

func (failingIndex) Upsert(ctx context.Context, userID, sessionKey string, exchanges []memory.Exchange) error {
	return memory.ErrIndexWrite
}

func (failingIndex) DeleteSession(ctx context.Context, sessionKey string) (int, error) {
	return 0, nil
}

func TestDrain_KeepsFailedSessionsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, "7", "42", "index me", "ok")

	replayer, err := NewReplayer(ReplayerConfig{
		Store:  f.store,
		Index:  failingIndex{},
		Ledger: f.ledger,
		Logger: testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, f.ledger.Record(ctx, Entry{SessionKey: "user_7_character_42", UserID: "7"}))
	_, err = replayer.Drain(ctx)
	assert.True(t, errors.Is(err, memory.ErrIndexWrite))

	pending, err := f.ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// partialIndex stores only some chunks of every batch.
type partialIndex struct{}

func (partialIndex) Upsert(ctx context.Context, userID, sessionKey string, exchanges []memory.Exchange) error {
	return fmt.Errorf("%w: 1 of 2 chunks stored", memory.ErrIndexPartial)
}

func (partialIndex) DeleteSession(ctx context.Context, sessionKey string) (int, error) {
	return 0, nil
}

func TestReplaySession_PartialWriteStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, "7", "42", "index me", "ok")

	replayer, err := NewReplayer(ReplayerConfig{
		Store:  f.store,
		Index:  partialIndex{},
		Ledger: f.ledger,
		Logger: testLogger(),
	})
	require.NoError(t, err)

	_, err = replayer.ReplaySession(ctx, "user_7_character_42")
	assert.ErrorIs(t, err, memory.ErrIndexPartial)

	pending, err := f.ledger.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "user_7_character_42", pending[0].SessionKey)
	assert.Equal(t, "7", pending[0].UserID)
	assert.Contains(t, pending[0].Reason, "1 of 2 chunks stored")

	// Draining retries it and keeps it pending while writes stay incomplete.
	_, err = replayer.Drain(ctx)
	assert.ErrorIs(t, err, memory.ErrIndexPartial)
	pending, err = f.ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_7_character_42"}, PendingSessions(pending))
}

func TestNewReplayer_Validation(t *testing.T) {
	_, err := NewReplayer(ReplayerConfig{Index: failingIndex{}})
	assert.Error(t, err)
}

func TestLedgers(t *testing.T) {
	sqliteLedger, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)

	ledgers := map[string]Ledger{
		"memory": NewMemoryLedger(),
		"sqlite": sqliteLedger,
	}

	for name, l := range ledgers {
		t.Run(name, func(t *testing.T) {
			defer l.Close()
			ctx := context.Background()
			base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

			require.NoError(t, l.Record(ctx, Entry{SessionKey: "s2", UserID: "2", SourceID: "x", Reason: "r", At: base.Add(2 * time.Second)}))
			require.NoError(t, l.Record(ctx, Entry{SessionKey: "s1", UserID: "1", At: base.Add(time.Second)}))
			require.NoError(t, l.Record(ctx, Entry{SessionKey: "s2", UserID: "2", At: base.Add(3 * time.Second)}))

			pending, err := l.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 3)
			assert.Equal(t, "s1", pending[0].SessionKey)
			assert.Equal(t, "x", pending[1].SourceID)
			assert.True(t, pending[1].At.Equal(base.Add(2*time.Second)))
			assert.Equal(t, []string{"s1", "s2"}, PendingSessions(pending))

			require.NoError(t, l.Resolve(ctx, "s2"))
			pending, err = l.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "s1", pending[0].SessionKey)

			require.NoError(t, l.Resolve(ctx, "unknown"))
		})
	}
}

func TestScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := NewScheduler(f.replayer, "not a schedule", testLogger())
	assert.Error(t, err)

	s, err := NewScheduler(f.replayer, "", testLogger())
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 12, 3, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 1, 12, 10, 0, 0, time.UTC), s.NextRun(now))

	f.append(t, "7", "42", "hello", "hi")
	require.NoError(t, f.ledger.Record(ctx, Entry{SessionKey: "user_7_character_42", UserID: "7"}))

	s.Start()
	s.RunOnce()
	s.Stop()

	pending, err := f.ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, f.index.Stats(ctx).DocumentCount)
}
