package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)

	a.Record(context.Background(), AuditEvent{
		Type:     "session",
		Actor:    "gateway",
		Action:   "session.delete",
		Target:   "user_1_character_2",
		Status:   "success",
		Metadata: map[string]interface{}{"chunks_removed": 3},
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session.delete", entry["action"])
	assert.Equal(t, "user_1_character_2", entry["target"])
	assert.Equal(t, "success", entry["status"])
	assert.NotEmpty(t, entry["time"])
}

func TestInitAuditLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	require.NoError(t, InitAuditLogger(path))
	defer GetAuditLogger().Close()

	RecordIndexAudit(context.Background(), "index.clear", "cli", "success", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "index.clear")
}
