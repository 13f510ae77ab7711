package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Lumilove configuration
type Config struct {
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	LLM       LLMConfig       `json:"llm" mapstructure:"llm"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Memory    MemoryConfig    `json:"memory" mapstructure:"memory"`
	History   HistoryConfig   `json:"history" mapstructure:"history"`
	Persona   PersonaConfig   `json:"persona" mapstructure:"persona"`
	Prompt    PromptConfig    `json:"prompt" mapstructure:"prompt"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Chat      ChatConfig      `json:"chat" mapstructure:"chat"`
	Reconcile ReconcileConfig `json:"reconcile" mapstructure:"reconcile"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`

	// Data directory for sqlite files, chromem persistence, logs and audit trail
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds the HTTP gateway listener
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// LLMConfig selects and tunes the generation backend
type LLMConfig struct {
	Provider       string  `json:"provider" mapstructure:"provider"` // openrouter, openai, anthropic
	APIKey         string  `json:"api_key" mapstructure:"api_key"`
	BaseURL        string  `json:"base_url" mapstructure:"base_url"`
	Model          string  `json:"model" mapstructure:"model"`
	MaxTokens      int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature    float64 `json:"temperature" mapstructure:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	AppName        string  `json:"app_name" mapstructure:"app_name"`
	AppURL         string  `json:"app_url" mapstructure:"app_url"`
}

// EmbeddingConfig configures the embedding provider used by the memory index
type EmbeddingConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // openai
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	Model     string `json:"model" mapstructure:"model"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
	CacheSize int    `json:"cache_size" mapstructure:"cache_size"` // cached vectors, 0 disables
}

// MemoryConfig configures the long-term memory index
type MemoryConfig struct {
	Backend      string `json:"backend" mapstructure:"backend"` // sqlite, chromem, pgvector
	Path         string `json:"path" mapstructure:"path"`
	DSN          string `json:"dsn" mapstructure:"dsn"`
	ChunkSize    int    `json:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap" mapstructure:"chunk_overlap"`
	TopK         int    `json:"top_k" mapstructure:"top_k"`
	Concurrency  int    `json:"concurrency" mapstructure:"concurrency"`
}

// HistoryConfig configures the authoritative exchange store
type HistoryConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, postgres
	DSN    string `json:"dsn" mapstructure:"dsn"`
	Path   string `json:"path" mapstructure:"path"`
}

// PersonaConfig selects where character personas come from
type PersonaConfig struct {
	Source string `json:"source" mapstructure:"source"` // static, postgres, file
	DSN    string `json:"dsn" mapstructure:"dsn"`
	File   string `json:"file" mapstructure:"file"`
	Text   string `json:"text" mapstructure:"text"`
}

// PromptConfig bounds the assembled prompt
type PromptConfig struct {
	MaxContextLength int  `json:"max_context_length" mapstructure:"max_context_length"`
	RecentLimit      int  `json:"recent_limit" mapstructure:"recent_limit"`
	TruncateRecency  bool `json:"truncate_recency" mapstructure:"truncate_recency"`
	MaxSystemTokens  int  `json:"max_system_tokens" mapstructure:"max_system_tokens"`
}

type SessionConfig struct {
	DefaultCharacterID string `json:"default_character_id" mapstructure:"default_character_id"`
}

type ChatConfig struct {
	StrictSessionOrder bool `json:"strict_session_order" mapstructure:"strict_session_order"`
}

// ReconcileConfig controls the background index repair job
type ReconcileConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		LLM: LLMConfig{
			Provider:       "openrouter",
			Model:          "deepseek/deepseek-chat-v3-0324",
			MaxTokens:      2000,
			Temperature:    0.7,
			TimeoutSeconds: 60,
			AppName:        "Lumilove",
			AppURL:         "https://lumilove.ai",
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			CacheSize: 10000,
		},
		Memory: MemoryConfig{
			Backend:      "sqlite",
			ChunkSize:    1000,
			ChunkOverlap: 200,
			TopK:         5,
			Concurrency:  4,
		},
		History: HistoryConfig{
			Driver: "sqlite",
		},
		Persona: PersonaConfig{
			Source: "static",
		},
		Prompt: PromptConfig{
			MaxContextLength: 4000,
			RecentLimit:      10,
		},
		Session: SessionConfig{
			DefaultCharacterID: "1",
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Schedule: "*/10 * * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "lumilove",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate returns the first hard configuration error. Use Validator.ValidateConfig
// for the complete list.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.LLM.APIKey != "" {
		cp.LLM.APIKey = "[REDACTED]"
	}
	if cp.Embedding.APIKey != "" {
		cp.Embedding.APIKey = "[REDACTED]"
	}
	for _, dsn := range []*string{&cp.History.DSN, &cp.Persona.DSN, &cp.Memory.DSN} {
		if *dsn != "" {
			*dsn = "[REDACTED]"
		}
	}
	return &cp
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
