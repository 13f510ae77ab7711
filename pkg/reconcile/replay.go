package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

// Indexer is the part of the memory index a replay needs.
type Indexer interface {
	Upsert(ctx context.Context, userID, sessionKey string, exchanges []memory.Exchange) error
	DeleteSession(ctx context.Context, sessionKey string) (int, error)
}

// Result summarizes one session replay.
type Result struct {
	SessionKey string        `json:"session_key"`
	Removed    int           `json:"removed"`
	Exchanges  int           `json:"exchanges"`
	Duration   time.Duration `json:"duration"`
}

type ReplayerConfig struct {
	Store    history.Store
	Index    Indexer
	Ledger   Ledger
	Resolver session.Resolver
	Logger   zerolog.Logger
	// Actor is recorded in the audit log, e.g. "scheduler" or "cli".
	Actor string
}

// Replayer rebuilds session chunks from the authoritative store.
type Replayer struct {
	store    history.Store
	index    Indexer
	ledger   Ledger
	resolver session.Resolver
	logger   zerolog.Logger
	actor    string
}

func NewReplayer(cfg ReplayerConfig) (*Replayer, error) {
	if cfg.Store == nil {
		return nil, errors.New("history store is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("memory index is required")
	}
	actor := cfg.Actor
	if actor == "" {
		actor = "reconcile"
	}
	return &Replayer{
		store:    cfg.Store,
		index:    cfg.Index,
		ledger:   cfg.Ledger,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
		actor:    actor,
	}, nil
}

// ReplaySession deletes the session's chunks and re-indexes every non-deleted
// exchange in chronological order. On success the session is resolved in the
// ledger.
func (r *Replayer) ReplaySession(ctx context.Context, sessionKey string) (Result, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "lumilove.reconcile", "reconcile.replay_session",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("session_key", sessionKey).Logger()
	res := Result{SessionKey: sessionKey}

	fail := func(err error) (Result, error) {
		span.RecordError(err)
		observability.RecordReplay(false)
		observability.RecordSessionAudit(ctx, "reindex", sessionKey, r.actor, "failed", map[string]interface{}{
			"error": err.Error(),
		})
		logger.Warn().Err(err).Msg("Session replay failed")
		return res, err
	}

	exchanges, err := r.store.ListExchanges(ctx, sessionKey, 0)
	if err != nil {
		return fail(fmt.Errorf("list exchanges: %w", err))
	}

	userID, _, err := r.resolver.Parse(sessionKey)
	if err != nil {
		if len(exchanges) == 0 {
			return fail(err)
		}
		userID = exchanges[0].UserID
	}

	removed, err := r.index.DeleteSession(ctx, sessionKey)
	if err != nil {
		return fail(fmt.Errorf("delete session chunks: %w", err))
	}
	res.Removed = removed

	batch := make([]memory.Exchange, 0, len(exchanges))
	for _, ex := range exchanges {
		if ex.IsDeleted {
			continue
		}
		batch = append(batch, memory.Exchange{User: ex.Message, Assistant: ex.Response, SourceID: ex.ID})
	}
	res.Exchanges = len(batch)

	if err := r.index.Upsert(ctx, userID, sessionKey, batch); err != nil {
		// A partial rebuild leaves an entry behind so the scheduler retries
		// it. Resolve clears every entry of the session at once.
		if errors.Is(err, memory.ErrIndexPartial) && r.ledger != nil {
			if lerr := r.ledger.Record(ctx, Entry{SessionKey: sessionKey, UserID: userID, Reason: err.Error()}); lerr != nil {
				logger.Error().Err(lerr).Msg("Failed to record reconciliation entry")
			}
		}
		return fail(fmt.Errorf("re-index: %w", err))
	}

	if r.ledger != nil {
		if err := r.ledger.Resolve(ctx, sessionKey); err != nil {
			logger.Warn().Err(err).Msg("Failed to resolve ledger entries")
		}
	}

	res.Duration = time.Since(start)
	observability.RecordReplay(true)
	observability.RecordSessionAudit(ctx, "reindex", sessionKey, r.actor, "success", map[string]interface{}{
		"removed":   res.Removed,
		"exchanges": res.Exchanges,
	})
	logger.Info().
		Int("removed", res.Removed).
		Int("exchanges", res.Exchanges).
		Dur("duration", res.Duration).
		Msg("Session replayed into memory index")
	return res, nil
}

// ReplayAll replays every session known to the store. Failures do not stop
// the walk; they are joined into the returned error.
func (r *Replayer) ReplayAll(ctx context.Context) ([]Result, error) {
	keys, err := r.store.SessionKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return r.replay(ctx, keys)
}

// Drain replays each session with pending ledger entries.
func (r *Replayer) Drain(ctx context.Context) ([]Result, error) {
	if r.ledger == nil {
		return nil, nil
	}
	entries, err := r.ledger.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	keys := PendingSessions(entries)
	observability.SetReconcilePending(len(keys))

	results, err := r.replay(ctx, keys)

	if remaining, perr := r.ledger.Pending(ctx); perr == nil {
		observability.SetReconcilePending(len(PendingSessions(remaining)))
	}
	return results, err
}

func (r *Replayer) replay(ctx context.Context, keys []string) ([]Result, error) {
	results := make([]Result, 0, len(keys))
	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := r.ReplaySession(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
