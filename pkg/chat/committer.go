package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/reconcile"
)

// Exchange is what the Committer writes.
type Exchange struct {
	UserID      string
	CharacterID string
	SessionKey  string
	UserText    string
	Assistant   string
}

// Committer writes a finished exchange to the history store and then the
// memory index.
type Committer struct {
	store  history.Store
	index  MemoryIndex
	ledger reconcile.Ledger
	logger zerolog.Logger
}

func NewCommitter(store history.Store, index MemoryIndex, ledger reconcile.Ledger, logger zerolog.Logger) *Committer {
	return &Committer{store: store, index: index, ledger: ledger, logger: logger}
}

// Commit appends the exchange and returns its id. Only the append can fail
// the commit; an index failure is logged and recorded in the ledger.
func (c *Committer) Commit(ctx context.Context, ex Exchange) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "lumilove.chat", "chat.commit",
		attribute.String("session_key", ex.SessionKey),
		attribute.Int("assistant_len", len(ex.Assistant)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, c.logger)

	id, err := c.store.Append(ctx, ex.UserID, ex.CharacterID, ex.UserText, ex.Assistant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		observability.RecordPersistenceFailure()
		logger.Error().Err(err).Str("session_key", ex.SessionKey).Msg("Failed to persist exchange")
		return "", fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	err = c.index.Upsert(ctx, ex.UserID, ex.SessionKey, []memory.Exchange{{
		User:      ex.UserText,
		Assistant: ex.Assistant,
		SourceID:  id,
	}})
	if err != nil {
		span.RecordError(err)
		observability.RecordIndexLag()
		msg := "Memory index write failed, recorded for reconciliation"
		if errors.Is(err, memory.ErrIndexPartial) {
			msg = "Memory index write incomplete, recorded for reconciliation"
		}
		logger.Warn().Err(err).
			Str("session_key", ex.SessionKey).
			Str("exchange_id", id).
			Msg(msg)

		if c.ledger != nil {
			if lerr := c.ledger.Record(ctx, reconcile.Entry{
				SessionKey: ex.SessionKey,
				UserID:     ex.UserID,
				SourceID:   id,
				Reason:     err.Error(),
			}); lerr != nil {
				logger.Error().Err(lerr).Str("session_key", ex.SessionKey).Msg("Failed to record reconciliation entry")
			}
		}
	}

	return id, nil
}
