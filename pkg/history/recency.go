package history

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one turn of recent conversation in chronological order.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Recency turns the newest exchanges of a session into prompt-ready turns.
type Recency struct {
	store  Store
	logger zerolog.Logger
}

func NewRecency(store Store, logger zerolog.Logger) *Recency {
	return &Recency{store: store, logger: logger}
}

// Recent returns the last limit exchanges as user/assistant entries, oldest
// first. Storage failures are logged and yield an empty slice.
func (r *Recency) Recent(ctx context.Context, sessionKey string, limit int) []Entry {
	ctx, span := tracing.StartSpan(ctx, "lumilove.history", "history.recent",
		attribute.String("session_key", sessionKey),
		attribute.Int("limit", limit),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)

	exchanges, err := r.store.QueryRecent(ctx, sessionKey, limit)
	if err != nil {
		span.RecordError(err)
		logger.Warn().Err(err).Str("session_key", sessionKey).Msg("Recent history unavailable")
		return []Entry{}
	}

	entries := make([]Entry, 0, 2*len(exchanges))
	for i := len(exchanges) - 1; i >= 0; i-- {
		ex := exchanges[i]
		if ex.IsDeleted {
			continue
		}
		entries = append(entries, Entry{Role: RoleUser, Content: ex.Message, Timestamp: ex.CreatedAt})
		if IsCarryingReply(ex.Response) {
			entries = append(entries, Entry{Role: RoleAssistant, Content: ex.Response, Timestamp: ex.CreatedAt})
		}
	}

	span.SetAttributes(attribute.Int("entries", len(entries)))
	return entries
}

// IsCarryingReply reports whether an assistant reply holds real content.
func IsCarryingReply(response string) bool {
	trimmed := strings.TrimSpace(response)
	return trimmed != "" && trimmed != StreamingSentinel
}
