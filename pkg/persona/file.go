package persona

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
)

// FileProvider reads characters from a YAML file keyed by character id:
//
//	"1":
//	  name: Lumi
//	  description: a cheerful companion
//	  prompt_config: |
//	    ...
//
// The file is re-read on every call so edits apply without a restart.
type FileProvider struct {
	path   string
	logger zerolog.Logger
}

func NewFileProvider(path string, logger zerolog.Logger) *FileProvider {
	return &FileProvider{path: path, logger: logger}
}

func (p *FileProvider) PersonaText(ctx context.Context, characterID string) string {
	logger := tracing.LoggerFromContext(ctx, p.logger).With().
		Str("character_id", characterID).
		Str("file", p.path).
		Logger()

	characters, err := p.load()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read characters file, using fallback persona")
		return Fallback
	}

	c, ok := characters[characterID]
	if !ok {
		logger.Warn().Msg("Character not found, using fallback persona")
		return Fallback
	}

	text, err := Render(c)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to render character persona, using fallback")
		return Fallback
	}
	return text
}

func (p *FileProvider) load() (map[string]Character, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, err
	}
	var characters map[string]Character
	if err := yaml.Unmarshal(data, &characters); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.path, err)
	}
	return characters, nil
}
