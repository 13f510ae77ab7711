package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format for the given provider
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openrouter":
		if !strings.HasPrefix(key, "sk-or-") {
			return fmt.Errorf("invalid OpenRouter API key format (should start with sk-or-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateSchedule checks a five-field cron expression
func (v *Validator) ValidateSchedule(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(oneOf("llm.provider", cfg.LLM.Provider, "openrouter", "openai", "anthropic"))
	if cfg.LLM.APIKey == "" {
		add(fmt.Errorf("no LLM credentials configured: llm.api_key is required"))
	} else {
		add(v.ValidateAPIKey(cfg.LLM.APIKey, cfg.LLM.Provider))
	}
	if cfg.LLM.Model == "" {
		add(fmt.Errorf("llm.model is required"))
	}
	add(v.ValidateMaxTokens(cfg.LLM.MaxTokens))
	add(v.ValidateTemperature(cfg.LLM.Temperature))
	if cfg.LLM.TimeoutSeconds < 0 {
		add(fmt.Errorf("llm.timeout_seconds must be >= 0"))
	}

	add(oneOf("embedding.provider", cfg.Embedding.Provider, "openai"))
	if cfg.Embedding.Dimension <= 0 {
		add(fmt.Errorf("embedding.dimension must be positive"))
	}
	if cfg.Embedding.CacheSize < 0 {
		add(fmt.Errorf("embedding.cache_size must be >= 0"))
	}

	add(oneOf("memory.backend", cfg.Memory.Backend, "sqlite", "chromem", "pgvector"))
	if cfg.Memory.Backend == "pgvector" && cfg.Memory.DSN == "" {
		add(fmt.Errorf("memory.dsn is required for the pgvector backend"))
	}
	if cfg.Memory.ChunkSize <= 0 {
		add(fmt.Errorf("memory.chunk_size must be positive"))
	}
	if cfg.Memory.ChunkOverlap < 0 || cfg.Memory.ChunkOverlap >= cfg.Memory.ChunkSize {
		add(fmt.Errorf("memory.chunk_overlap must be >= 0 and smaller than memory.chunk_size"))
	}
	if cfg.Memory.TopK <= 0 {
		add(fmt.Errorf("memory.top_k must be positive"))
	}

	add(oneOf("history.driver", cfg.History.Driver, "sqlite", "postgres"))
	if cfg.History.Driver == "postgres" && cfg.History.DSN == "" {
		add(fmt.Errorf("history.dsn is required for the postgres driver"))
	}

	add(oneOf("persona.source", cfg.Persona.Source, "static", "postgres", "file"))
	if cfg.Persona.Source == "postgres" && cfg.Persona.DSN == "" && cfg.History.DSN == "" {
		add(fmt.Errorf("persona.dsn is required for the postgres source"))
	}
	if cfg.Persona.Source == "file" && cfg.Persona.File == "" {
		add(fmt.Errorf("persona.file is required for the file source"))
	}

	if cfg.Prompt.MaxContextLength <= 0 {
		add(fmt.Errorf("prompt.max_context_length must be positive"))
	}
	if cfg.Prompt.RecentLimit < 0 {
		add(fmt.Errorf("prompt.recent_limit must be >= 0"))
	}
	if cfg.Prompt.MaxSystemTokens < 0 {
		add(fmt.Errorf("prompt.max_system_tokens must be >= 0"))
	}

	if cfg.Session.DefaultCharacterID == "" {
		add(fmt.Errorf("session.default_character_id is required"))
	}

	if cfg.Reconcile.Enabled {
		add(v.ValidateSchedule(cfg.Reconcile.Schedule))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add(fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", field, value, strings.Join(allowed, ", "))
}
