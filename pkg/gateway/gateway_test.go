package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/chat"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/llm"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/reconcile"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

const testKey = "user_7_character_42"

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

type stubGenerator struct {
	mu       sync.Mutex
	frags    []string
	err      error
	requests []chat.Request
	// waitCancel makes GenerateStream block after the first fragment until
	// its context ends.
	waitCancel bool
	cancelled  chan struct{}
}

func (g *stubGenerator) record(req chat.Request) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
}

func (g *stubGenerator) lastRequest() chat.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func (g *stubGenerator) Generate(ctx context.Context, req chat.Request) (*chat.Reply, error) {
	g.record(req)
	if g.err != nil {
		return nil, g.err
	}
	return &chat.Reply{
		Text:        strings.Join(g.frags, ""),
		SessionKey:  req.SessionKey,
		ContextUsed: []string{"user: likes tea"},
		Sources:     []memory.RetrievedItem{},
		State:       chat.StateCompleted,
	}, nil
}

func (g *stubGenerator) GenerateStream(ctx context.Context, req chat.Request, emit func(chat.Fragment) error) (*chat.Reply, error) {
	g.record(req)
	var acc strings.Builder
	for _, text := range g.frags {
		if err := emit(chat.Fragment{Text: text, SessionKey: req.SessionKey, ContextUsed: []string{}, Sources: []memory.RetrievedItem{}}); err != nil {
			return nil, fmt.Errorf("%w: %w", chat.ErrCancelled, err)
		}
		acc.WriteString(text)
		if g.waitCancel {
			<-ctx.Done()
			close(g.cancelled)
			return nil, fmt.Errorf("%w: %w", chat.ErrCancelled, ctx.Err())
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return &chat.Reply{Text: acc.String(), SessionKey: req.SessionKey, State: chat.StateCompleted}, nil
}

type stubIndex struct {
	mu        sync.Mutex
	items     []memory.RetrievedItem
	deleted   []string
	deleteErr error
	lastK     int
	docs      int
}

func (x *stubIndex) Query(ctx context.Context, text, userID, sessionKey string, k int) ([]memory.RetrievedItem, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.lastK = k
	return x.items, nil
}

func (x *stubIndex) DeleteSession(ctx context.Context, sessionKey string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.deleteErr != nil {
		return 0, x.deleteErr
	}
	x.deleted = append(x.deleted, sessionKey)
	return 3, nil
}

func (x *stubIndex) Stats(ctx context.Context) memory.Stats {
	return memory.Stats{DocumentCount: x.docs}
}

type stubBackend struct {
	models []llm.ModelInfo
}

func (b *stubBackend) Complete(ctx context.Context, req llm.Request) (string, error) {
	return "", errors.New("not used")
}

func (b *stubBackend) CompleteStream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	return nil, errors.New("not used")
}

func (b *stubBackend) Name() string  { return "openrouter" }
func (b *stubBackend) Model() string { return "mistralai/mistral-7b-instruct" }

func (b *stubBackend) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return b.models, nil
}

type testServer struct {
	*httptest.Server
	gen    *stubGenerator
	index  *stubIndex
	store  *history.SQLiteStore
	ledger *reconcile.MemoryLedger
}

func createTestServer(t *testing.T, gen *stubGenerator, opts ...func(*Config)) (*testServer, func()) {
	t.Helper()

	store, err := history.NewSQLiteStore(history.SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "history.db"),
		Logger: testLogger(),
	})
	require.NoError(t, err)

	index := &stubIndex{}
	ledger := reconcile.NewMemoryLedger()

	cfg := Config{
		Pipeline: gen,
		Store:    store,
		Index:    index,
		Ledger:   ledger,
		Backend:  &stubBackend{},
		Resolver: session.Resolver{DefaultCharacterID: "1"},
		Logger:   testLogger(),
		Version:  "test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	return &testServer{Server: ts, gen: gen, index: index, store: store, ledger: ledger}, func() {
		ts.Close()
		store.Close()
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	return resp
}

// readSSE returns the data payloads of every event in the body.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()

	var (
		events  []string
		current []string
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current != nil {
				events = append(events, strings.Join(current, "\n"))
				current = nil
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			current = append(current, data)
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestHandleMessage(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{frags: []string{"Hello, ", "world"}})
	defer cleanup()

	resp := postJSON(t, ts.URL+"/api/chat/message", MessageRequest{
		UserID:          "7",
		SessionID:       testKey,
		Message:         "hi",
		CharacterPrompt: "You are Rin.",
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	var body MessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Hello, world", body.Response)
	assert.Equal(t, testKey, body.SessionID)
	assert.Equal(t, []string{"user: likes tea"}, body.ContextUsed)

	req := ts.gen.lastRequest()
	assert.Equal(t, "You are Rin.", req.PersonaOverride)
	assert.Equal(t, "7", req.UserID)

	sessions, err := ts.store.Sessions(context.Background(), "7")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, testKey, sessions[0].SessionKey)
}

func TestHandleMessage_Errors(t *testing.T) {
	t.Run("schema violation", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{})
		defer cleanup()

		resp := postJSON(t, ts.URL+"/api/chat/message", map[string]string{"user_id": "7", "session_id": testKey})
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var body ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Contains(t, body.Detail, "message")
	})

	t.Run("generation failure", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{err: fmt.Errorf("%w: upstream", chat.ErrGenerationFailed)})
		defer cleanup()

		resp := postJSON(t, ts.URL+"/api/chat/message", MessageRequest{UserID: "7", SessionID: testKey, Message: "hi"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("session mismatch", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{err: chat.ErrSessionMismatch})
		defer cleanup()

		resp := postJSON(t, ts.URL+"/api/chat/message", MessageRequest{UserID: "8", SessionID: testKey, Message: "hi"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleMessageStream(t *testing.T) {
	t.Run("chunks then done", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{frags: []string{"Hel", "lo, ", "world"}})
		defer cleanup()

		resp := postJSON(t, ts.URL+"/api/chat/message/stream", MessageRequest{UserID: "7", SessionID: testKey, Message: "hi"})
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		events := readSSE(t, resp)
		require.Len(t, events, 4)

		var got []string
		for _, ev := range events[:3] {
			var chunk StreamChunk
			require.NoError(t, json.Unmarshal([]byte(ev), &chunk))
			assert.Equal(t, testKey, chunk.SessionID)
			got = append(got, chunk.Chunk)
		}
		assert.Equal(t, []string{"Hel", "lo, ", "world"}, got)
		assert.Equal(t, sseDone, events[3])
	})

	t.Run("failure event then done", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{err: fmt.Errorf("%w: upstream 502", chat.ErrGenerationFailed)})
		defer cleanup()

		resp := postJSON(t, ts.URL+"/api/chat/message/stream", MessageRequest{UserID: "7", SessionID: testKey, Message: "hi"})
		events := readSSE(t, resp)
		require.Len(t, events, 2)

		var failure StreamError
		require.NoError(t, json.Unmarshal([]byte(events[0]), &failure))
		assert.Contains(t, failure.Error, "upstream 502")
		assert.Equal(t, testKey, failure.SessionID)
		assert.Equal(t, sseDone, events[1])
	})
}

func TestHandleSpringbootStream(t *testing.T) {
	t.Run("raw chunks", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{frags: []string{"line one\nline two", "", "!"}})
		defer cleanup()

		resp, err := http.PostForm(ts.URL+"/api/chat/springboot/stream", url.Values{
			"user_id":      {"7"},
			"character_id": {"42"},
			"message":      {"hi"},
		})
		require.NoError(t, err)

		events := readSSE(t, resp)
		assert.Equal(t, []string{"line one\nline two", "!", sseDone}, events)
		assert.Equal(t, testKey, ts.gen.lastRequest().SessionKey)
	})

	t.Run("error line", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{err: fmt.Errorf("%w: boom", chat.ErrGenerationFailed)})
		defer cleanup()

		resp, err := http.PostForm(ts.URL+"/api/chat/springboot/stream", url.Values{
			"user_id":      {"7"},
			"character_id": {"42"},
			"message":      {"hi"},
		})
		require.NoError(t, err)

		events := readSSE(t, resp)
		require.Len(t, events, 2)
		assert.True(t, strings.HasPrefix(events[0], "Error: "))
		assert.Equal(t, sseDone, events[1])
	})

	t.Run("missing field", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{})
		defer cleanup()

		resp, err := http.PostForm(ts.URL+"/api/chat/springboot/stream", url.Values{"user_id": {"7"}})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleHistory(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{})
	defer cleanup()

	ctx := context.Background()
	_, err := ts.store.Append(ctx, "7", "42", "first", "reply one")
	require.NoError(t, err)
	_, err = ts.store.Append(ctx, "7", "42", "second", history.StreamingSentinel)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/chat/history/" + testKey)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Messages, 3)
	assert.Equal(t, "first", body.Messages[0].Content)
	assert.Equal(t, history.RoleUser, body.Messages[0].MessageType)
	assert.Equal(t, "reply one", body.Messages[1].Content)
	assert.Equal(t, history.RoleAssistant, body.Messages[1].MessageType)
	assert.Equal(t, "second", body.Messages[2].Content)

	resp2, err := http.Get(ts.URL + "/api/chat/history/not-a-key")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestSessionEndpoints(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{})
	defer cleanup()

	resp := postJSON(t, ts.URL+"/api/chat/session", SessionRequest{UserID: "7", CharacterID: "42", Title: "Tea talk"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created session.Descriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, testKey, created.SessionKey)
	assert.Equal(t, "Tea talk", created.Title)

	resp, err := http.Get(ts.URL + "/api/chat/sessions/7")
	require.NoError(t, err)
	var listed []session.Descriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed, 1)
	assert.Equal(t, testKey, listed[0].SessionKey)

	resp = postJSON(t, ts.URL+"/api/chat/session", map[string]string{"user_id": "7", "character_id": "4 2"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func deleteSession(t *testing.T, base, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, base+"/api/chat/session/"+key, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHandleDeleteSession(t *testing.T) {
	t.Run("nothing to delete", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{})
		defer cleanup()

		resp := deleteSession(t, ts.URL, testKey)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Empty(t, ts.index.deleted)
	})

	t.Run("soft deletes and removes vectors", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{})
		defer cleanup()

		_, err := ts.store.Append(context.Background(), "7", "42", "hi", "hello")
		require.NoError(t, err)

		resp := deleteSession(t, ts.URL, testKey)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{testKey}, ts.index.deleted)

		exchanges, err := ts.store.ListExchanges(context.Background(), testKey, 0)
		require.NoError(t, err)
		assert.Empty(t, exchanges)

		resp = deleteSession(t, ts.URL, testKey)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("vector failure goes to ledger", func(t *testing.T) {
		ts, cleanup := createTestServer(t, &stubGenerator{})
		defer cleanup()
		ts.index.deleteErr = errors.New("vector store offline")

		_, err := ts.store.Append(context.Background(), "7", "42", "hi", "hello")
		require.NoError(t, err)

		resp := deleteSession(t, ts.URL, testKey)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		pending, err := ts.ledger.Pending(context.Background())
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, testKey, pending[0].SessionKey)
	})
}

func TestHandleContext(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{})
	defer cleanup()
	ts.index.items = []memory.RetrievedItem{{Chunk: memory.Chunk{Content: "user: likes tea"}, Score: 0.8}}

	resp, err := http.Get(ts.URL + "/api/chat/context/" + testKey + "?query=tea&k=3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ContextResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Context, 1)
	assert.Equal(t, 3, ts.index.lastK)

	for _, q := range []string{"", "?query=tea&k=0", "?query=tea&k=x"} {
		resp, err := http.Get(ts.URL + "/api/chat/context/" + testKey + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestModelEndpoints(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{})
	defer cleanup()

	resp, err := http.Get(ts.URL + "/api/chat/model/current")
	require.NoError(t, err)
	var current ModelInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&current))
	resp.Body.Close()
	assert.Equal(t, ModelInfo{Provider: "openrouter", Model: "mistralai/mistral-7b-instruct"}, current)
}

func TestHandleModels_Truncates(t *testing.T) {
	models := make([]llm.ModelInfo, 25)
	for i := range models {
		models[i] = llm.ModelInfo{ID: fmt.Sprintf("model-%d", i)}
	}

	store, err := history.NewSQLiteStore(history.SQLiteConfig{Path: filepath.Join(t.TempDir(), "h.db"), Logger: testLogger()})
	require.NoError(t, err)
	defer store.Close()

	srv, err := NewServer(Config{
		Pipeline: &stubGenerator{},
		Store:    store,
		Index:    &stubIndex{},
		Backend:  &stubBackend{models: models},
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		CurrentModel    ModelInfo       `json:"current_model"`
		AvailableModels []llm.ModelInfo `json:"available_models"`
		TotalCount      int             `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.AvailableModels, listedModels)
	assert.Equal(t, 25, body.TotalCount)
	assert.Equal(t, "openrouter", body.CurrentModel.Provider)
}

func TestHealth(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{}, func(c *Config) {
		c.Uptime = func() time.Duration { return 90 * time.Second }
	})
	defer cleanup()
	ts.index.docs = 12
	require.NoError(t, ts.ledger.Record(context.Background(), reconcile.Entry{SessionKey: testKey, UserID: "7"}))
	require.NoError(t, ts.ledger.Record(context.Background(), reconcile.Entry{SessionKey: testKey, UserID: "7"}))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 12, body.VectorDBStats.DocumentCount)
	assert.Equal(t, 1, body.PendingReconcile)
	assert.Equal(t, 0, body.ConnectedClients)
	assert.Equal(t, 90.0, body.UptimeSeconds)
	assert.Equal(t, "test", body.Version)

	resp2, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestHealthReportsUnreachableStore(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{})
	defer cleanup()
	require.NoError(t, ts.store.Close())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)

	hist, err := http.Get(ts.URL + "/api/chat/history/" + testKey)
	require.NoError(t, err)
	hist.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, hist.StatusCode)
}

func TestHealthCountsWebSocketClients(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{})
	defer cleanup()

	conn := dialWS(t, ts)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return body.ConnectedClients == 1 && body.UptimeSeconds == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func dialWS(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestWebSocketStream(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{frags: []string{"Hel", "lo"}})
	defer cleanup()

	conn := dialWS(t, ts)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(MessageRequest{UserID: "7", SessionID: testKey, Message: "hi"}))

	var frames []WSFrame
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f WSFrame
		require.NoError(t, conn.ReadJSON(&f))
		frames = append(frames, f)
		if f.Type == "done" {
			break
		}
	}

	require.Len(t, frames, 3)
	assert.Equal(t, "chunk", frames[0].Type)
	assert.Equal(t, "Hel", frames[0].Chunk)
	assert.Equal(t, "lo", frames[1].Chunk)
	assert.Equal(t, testKey, frames[2].SessionID)
}

func TestWebSocketInvalidFrame(t *testing.T) {
	ts, cleanup := createTestServer(t, &stubGenerator{})
	defer cleanup()

	conn := dialWS(t, ts)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"user_id":"7"}`)))

	var f WSFrame
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "error", f.Type)
	assert.NotEmpty(t, f.Error)
}

func TestWebSocketCloseCancelsGeneration(t *testing.T) {
	gen := &stubGenerator{frags: []string{"partial"}, waitCancel: true, cancelled: make(chan struct{})}
	ts, cleanup := createTestServer(t, gen)
	defer cleanup()

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(MessageRequest{UserID: "7", SessionID: testKey, Message: "hi"}))

	var f WSFrame
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "partial", f.Chunk)

	conn.Close()

	select {
	case <-gen.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("generation was not cancelled after the socket closed")
	}
}
