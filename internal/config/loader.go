package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. LUMILOVE_LLM_API_KEY.
const EnvPrefix = "LUMILOVE"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, applies environment overrides and fills derived paths.
// A missing file is not an error: defaults plus environment are used.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := fillPaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg as JSON to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".lumilove", "lumilove.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

// setDefaults registers every key so env overrides apply even without a file.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]interface{}{
		"server.host": d.Server.Host,
		"server.port": d.Server.Port,

		"llm.provider":        d.LLM.Provider,
		"llm.api_key":         d.LLM.APIKey,
		"llm.base_url":        d.LLM.BaseURL,
		"llm.model":           d.LLM.Model,
		"llm.max_tokens":      d.LLM.MaxTokens,
		"llm.temperature":     d.LLM.Temperature,
		"llm.timeout_seconds": d.LLM.TimeoutSeconds,
		"llm.app_name":        d.LLM.AppName,
		"llm.app_url":         d.LLM.AppURL,

		"embedding.provider":   d.Embedding.Provider,
		"embedding.api_key":    d.Embedding.APIKey,
		"embedding.base_url":   d.Embedding.BaseURL,
		"embedding.model":      d.Embedding.Model,
		"embedding.dimension":  d.Embedding.Dimension,
		"embedding.cache_size": d.Embedding.CacheSize,

		"memory.backend":       d.Memory.Backend,
		"memory.path":          d.Memory.Path,
		"memory.dsn":           d.Memory.DSN,
		"memory.chunk_size":    d.Memory.ChunkSize,
		"memory.chunk_overlap": d.Memory.ChunkOverlap,
		"memory.top_k":         d.Memory.TopK,
		"memory.concurrency":   d.Memory.Concurrency,

		"history.driver": d.History.Driver,
		"history.dsn":    d.History.DSN,
		"history.path":   d.History.Path,

		"persona.source": d.Persona.Source,
		"persona.dsn":    d.Persona.DSN,
		"persona.file":   d.Persona.File,
		"persona.text":   d.Persona.Text,

		"prompt.max_context_length": d.Prompt.MaxContextLength,
		"prompt.recent_limit":       d.Prompt.RecentLimit,
		"prompt.truncate_recency":   d.Prompt.TruncateRecency,
		"prompt.max_system_tokens":  d.Prompt.MaxSystemTokens,

		"session.default_character_id": d.Session.DefaultCharacterID,
		"chat.strict_session_order":    d.Chat.StrictSessionOrder,

		"reconcile.enabled":  d.Reconcile.Enabled,
		"reconcile.schedule": d.Reconcile.Schedule,

		"logging.level":     d.Logging.Level,
		"logging.file":      d.Logging.File,
		"logging.max_size":  d.Logging.MaxSize,
		"logging.max_age":   d.Logging.MaxAge,
		"logging.compress":  d.Logging.Compress,
		"logging.redaction": d.Logging.Redaction,
		"logging.pretty":    d.Logging.Pretty,

		"tracing.enabled":      d.Tracing.Enabled,
		"tracing.service_name": d.Tracing.ServiceName,
		"tracing.sample_ratio": d.Tracing.SampleRatio,

		"data_dir": d.DataDir,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func fillPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".lumilove")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "lumilove.log")
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.DataDir, "history.db")
	}
	if cfg.Memory.Path == "" {
		switch cfg.Memory.Backend {
		case "chromem":
			cfg.Memory.Path = filepath.Join(cfg.DataDir, "chromem")
		default:
			cfg.Memory.Path = filepath.Join(cfg.DataDir, "memory.db")
		}
	}
	if cfg.Persona.DSN == "" {
		cfg.Persona.DSN = cfg.History.DSN
	}
	if cfg.Embedding.APIKey == "" && cfg.LLM.Provider == "openai" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	return nil
}
