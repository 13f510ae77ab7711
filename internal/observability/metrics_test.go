package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler_ExposesPipelineMetrics(t *testing.T) {
	RecordGeneration("openai", "completed", 120*time.Millisecond)
	RecordFragment()
	RecordPromptDrops(2)
	RecordFilterViolation()
	RecordChunkFailure("embed")
	SetReconcilePending(1)
	RecordHTTPRequest("/api/chat/message", 200)

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "generation_total")
	assert.Contains(t, out, "prompt_dropped_context_items_total")
	assert.Contains(t, out, "memory_filter_violations_total")
	assert.Contains(t, out, `memory_chunk_failures_total{stage="embed"}`)
	assert.Contains(t, out, "reconcile_pending_sessions 1")
}

func TestRecordPromptDrops_IgnoresZero(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordPromptDrops(0)
		RecordPromptDrops(-1)
	})
}
