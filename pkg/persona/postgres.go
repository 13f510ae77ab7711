package persona

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresProvider reads characters from the shared character table.
type PostgresProvider struct {
	db     querier
	logger zerolog.Logger
}

func NewPostgresProvider(db querier, logger zerolog.Logger) *PostgresProvider {
	return &PostgresProvider{db: db, logger: logger}
}

func (p *PostgresProvider) PersonaText(ctx context.Context, characterID string) string {
	ctx, span := tracing.StartSpan(ctx, "lumilove.persona", "persona.lookup",
		attribute.String("character_id", characterID),
		attribute.String("source", "postgres"),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, p.logger).With().Str("character_id", characterID).Logger()

	id, err := strconv.ParseInt(characterID, 10, 64)
	if err != nil {
		logger.Warn().Msg("Character id is not numeric, using fallback persona")
		return Fallback
	}

	var (
		c                         Character
		description, promptConfig *string
	)
	err = p.db.QueryRow(ctx,
		`SELECT name, description, prompt_config FROM character WHERE id = $1`, id,
	).Scan(&c.Name, &description, &promptConfig)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		logger.Warn().Msg("Character not found, using fallback persona")
		return Fallback
	case err != nil:
		span.RecordError(err)
		logger.Warn().Err(err).Msg("Character lookup failed, using fallback persona")
		return Fallback
	}
	if description != nil {
		c.Description = *description
	}
	if promptConfig != nil {
		c.PromptConfig = *promptConfig
	}

	text, err := Render(c)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to render character persona, using fallback")
		return Fallback
	}
	return text
}
