package persona

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func TestRender(t *testing.T) {
	text, err := Render(Character{Name: "Lumi", Description: "a cheerful companion", PromptConfig: "always upbeat"})
	require.NoError(t, err)
	assert.Equal(t, "你是Lumi。\n\n角色描述：a cheerful companion\n\n详细角色设定和规则：\nalways upbeat\n\n请严格按照以上角色设定进行扮演，保持角色的一致性和个性。", text)

	text, err = Render(Character{Name: "ignored", Prompt: "raw prompt"})
	require.NoError(t, err)
	assert.Equal(t, "raw prompt", text)
}

func TestStatic(t *testing.T) {
	assert.Equal(t, "hello", Static{Text: "hello"}.PersonaText(context.Background(), "1"))
	assert.Equal(t, Fallback, Static{}.PersonaText(context.Background(), "1"))
}

func TestOverride(t *testing.T) {
	base := Static{Text: "base"}
	assert.Equal(t, "custom", Override("custom", base).PersonaText(context.Background(), "1"))
	assert.Equal(t, "base", Override("  ", base).PersonaText(context.Background(), "1"))
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "characters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
"1":
  name: Lumi
  description: a cheerful companion
  prompt_config: always upbeat
"2":
  prompt: You are a pirate.
`), 0644))

	p := NewFileProvider(path, testLogger())
	ctx := context.Background()

	assert.Contains(t, p.PersonaText(ctx, "1"), "你是Lumi。")
	assert.Equal(t, "You are a pirate.", p.PersonaText(ctx, "2"))
	assert.Equal(t, Fallback, p.PersonaText(ctx, "3"))

	t.Run("edits are picked up", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("\"3\":\n  prompt: new one\n"), 0644))
		assert.Equal(t, "new one", p.PersonaText(ctx, "3"))
	})

	t.Run("bad yaml", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("{{{"), 0644))
		assert.Equal(t, Fallback, p.PersonaText(ctx, "1"))
	})

	t.Run("missing file", func(t *testing.T) {
		missing := NewFileProvider(filepath.Join(t.TempDir(), "nope.yaml"), testLogger())
		assert.Equal(t, Fallback, missing.PersonaText(ctx, "1"))
	})
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = r.values[i].(string)
		case **string:
			if r.values[i] == nil {
				*v = nil
				continue
			}
			s := r.values[i].(string)
			*v = &s
		}
	}
	return nil
}

type fakeQuerier struct {
	row     fakeRow
	lastArg any
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if len(args) > 0 {
		q.lastArg = args[0]
	}
	return q.row
}

func TestPostgresProvider(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		characterID string
		row         fakeRow
		want        string
		contains    string
	}{
		{
			name:        "found",
			characterID: "42",
			row:         fakeRow{values: []any{"Lumi", "a companion", "be kind"}},
			contains:    "你是Lumi。",
		},
		{
			name:        "null columns",
			characterID: "42",
			row:         fakeRow{values: []any{"Lumi", nil, nil}},
			contains:    "角色描述：\n",
		},
		{
			name:        "not found",
			characterID: "42",
			row:         fakeRow{err: pgx.ErrNoRows},
			want:        Fallback,
		},
		{
			name:        "db down",
			characterID: "42",
			row:         fakeRow{err: errors.New("connection refused")},
			want:        Fallback,
		},
		{
			name:        "non numeric id",
			characterID: "abc",
			want:        Fallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuerier{row: tt.row}
			got := NewPostgresProvider(q, testLogger()).PersonaText(ctx, tt.characterID)
			if tt.want != "" {
				assert.Equal(t, tt.want, got)
			}
			if tt.contains != "" {
				assert.Contains(t, got, tt.contains)
				assert.Equal(t, int64(42), q.lastArg)
			}
		})
	}
}
