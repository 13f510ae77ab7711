package llm

import (
	"fmt"
	"time"
)

// Config selects and configures a backend.
type Config struct {
	Provider   string
	APIKey     string
	BaseURL    string
	Model      string
	AppName    string
	AppURL     string
	Timeout    time.Duration
	MaxRetries int
}

// New creates a backend for cfg.Provider: "openrouter", "openai" or "anthropic".
func New(cfg Config) (Backend, error) {
	switch cfg.Provider {
	case "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = OpenRouterBaseURL
		}
		headers := map[string]string{}
		if cfg.AppURL != "" {
			headers["HTTP-Referer"] = cfg.AppURL
		}
		if cfg.AppName != "" {
			headers["X-Title"] = cfg.AppName
		}
		return NewOpenAIBackend(OpenAIConfig{
			Name:       "openrouter",
			APIKey:     cfg.APIKey,
			BaseURL:    baseURL,
			Model:      cfg.Model,
			Headers:    headers,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}), nil
	case "openai":
		return NewOpenAIBackend(OpenAIConfig{
			Name:       "openai",
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}), nil
	case "anthropic":
		return NewAnthropicBackend(AnthropicConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
