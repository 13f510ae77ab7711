package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/config"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/logger"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/chat"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/commandqueue"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/llm"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/persona"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/prompt"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/reconcile"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

// app holds the components one command needs. Commands build only the parts
// they use; close releases whatever was opened, in reverse order.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger

	resolver session.Resolver
	history  history.Store
	index    *memory.Index
	ledger   reconcile.Ledger
	replayer *reconcile.Replayer

	backend  llm.Backend
	pipeline *chat.Pipeline
	queue    *commandqueue.CommandQueue

	pools   map[string]*pgxpool.Pool
	closers []func() error
}

// loadConfig reads the config file and applies the --log-level flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newApp(cfg *config.Config, console bool) (*app, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		logger:   log.Component("cli"),
		resolver: session.Resolver{DefaultCharacterID: cfg.Session.DefaultCharacterID},
		pools:    map[string]*pgxpool.Pool{},
	}
	a.closers = append(a.closers, log.Close)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}

// pool returns a shared pgx pool per DSN.
func (a *app) pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if p, ok := a.pools[dsn]; ok {
		return p, nil
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	a.pools[dsn] = p
	a.closers = append(a.closers, func() error { p.Close(); return nil })
	return p, nil
}

func (a *app) openHistory(ctx context.Context) error {
	switch a.cfg.History.Driver {
	case "postgres":
		pool, err := a.pool(ctx, a.cfg.History.DSN)
		if err != nil {
			return err
		}
		store, err := history.NewPostgresStore(ctx, history.PostgresConfig{
			Pool:         pool,
			Logger:       a.log.Component("history"),
			CreateTables: true,
		})
		if err != nil {
			return err
		}
		a.history = store
	default:
		store, err := history.NewSQLiteStore(history.SQLiteConfig{
			Path:   a.cfg.History.Path,
			Logger: a.log.Component("history"),
		})
		if err != nil {
			return err
		}
		a.history = store
	}
	a.closers = append(a.closers, a.history.Close)
	return nil
}

func (a *app) openIndex(ctx context.Context) error {
	cfg := a.cfg

	var store memory.VectorStore
	switch cfg.Memory.Backend {
	case "chromem":
		s, err := memory.NewChromemStore(cfg.Memory.Path)
		if err != nil {
			return err
		}
		store = s
	case "pgvector":
		pool, err := a.pool(ctx, cfg.Memory.DSN)
		if err != nil {
			return err
		}
		s, err := memory.NewPgvectorStore(ctx, pool, cfg.Embedding.Dimension)
		if err != nil {
			return err
		}
		store = s
	default:
		s, err := memory.NewSQLiteStore(cfg.Memory.Path, cfg.Embedding.Dimension)
		if err != nil {
			return err
		}
		store = s
	}

	var embedder memory.EmbeddingProvider = memory.NewOpenAIProvider(memory.OpenAIProviderConfig{
		APIKey:    cfg.Embedding.APIKey,
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
	})
	if cfg.Embedding.CacheSize > 0 {
		cached, err := memory.NewCachedProvider(embedder, cfg.Embedding.CacheSize)
		if err != nil {
			_ = store.Close()
			return err
		}
		a.closers = append(a.closers, func() error { cached.Close(); return nil })
		embedder = cached
	}

	index, err := memory.NewIndex(memory.Config{
		Store:        store,
		Embedder:     embedder,
		Logger:       a.log.Component("memory"),
		ChunkSize:    cfg.Memory.ChunkSize,
		ChunkOverlap: cfg.Memory.ChunkOverlap,
		Concurrency:  cfg.Memory.Concurrency,
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	a.index = index
	a.closers = append(a.closers, index.Close)
	return nil
}

func (a *app) openLedger() error {
	ledger, err := reconcile.NewSQLiteLedger(filepath.Join(a.cfg.DataDir, "reconcile.db"))
	if err != nil {
		return err
	}
	a.ledger = ledger
	a.closers = append(a.closers, ledger.Close)
	return nil
}

// openStorage opens the history store, the memory index, the ledger and the
// replayer on top of them.
func (a *app) openStorage(ctx context.Context, actor string) error {
	if err := a.openHistory(ctx); err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	if err := a.openIndex(ctx); err != nil {
		return fmt.Errorf("memory index: %w", err)
	}
	if err := a.openLedger(); err != nil {
		return fmt.Errorf("reconcile ledger: %w", err)
	}

	replayer, err := reconcile.NewReplayer(reconcile.ReplayerConfig{
		Store:    a.history,
		Index:    a.index,
		Ledger:   a.ledger,
		Resolver: a.resolver,
		Logger:   a.log.Component("reconcile"),
		Actor:    actor,
	})
	if err != nil {
		return err
	}
	a.replayer = replayer
	return nil
}

func (a *app) openPersona(ctx context.Context) (persona.Provider, error) {
	plog := a.log.Component("persona")
	switch a.cfg.Persona.Source {
	case "postgres":
		pool, err := a.pool(ctx, a.cfg.Persona.DSN)
		if err != nil {
			return nil, err
		}
		return persona.NewPostgresProvider(pool, plog), nil
	case "file":
		return persona.NewFileProvider(a.cfg.Persona.File, plog), nil
	default:
		return persona.Static{Text: a.cfg.Persona.Text}, nil
	}
}

// openPipeline builds the generation backend and the chat pipeline. Storage
// must be open.
func (a *app) openPipeline(ctx context.Context) error {
	if a.history == nil || a.index == nil {
		return errors.New("storage is not open")
	}
	cfg := a.cfg

	backend, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		AppName:  cfg.LLM.AppName,
		AppURL:   cfg.LLM.AppURL,
		Timeout:  time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	a.backend = backend

	personas, err := a.openPersona(ctx)
	if err != nil {
		return fmt.Errorf("persona: %w", err)
	}

	if cfg.Chat.StrictSessionOrder {
		a.queue = commandqueue.New()
		a.closers = append(a.closers, a.queue.Close)
	}

	chatLogger := a.log.Component("chat")
	pipeline, err := chat.NewPipeline(chat.Config{
		Backend: backend,
		Persona: personas,
		Index:   a.index,
		Recency: history.NewRecency(a.history, a.log.Component("recency")),
		Assembler: prompt.NewAssembler(prompt.Config{
			ContextBudget:   cfg.Prompt.MaxContextLength,
			TruncateRecency: cfg.Prompt.TruncateRecency,
			MaxSystemTokens: cfg.Prompt.MaxSystemTokens,
		}),
		Committer:   chat.NewCommitter(a.history, a.index, a.ledger, chatLogger),
		Resolver:    a.resolver,
		Logger:      chatLogger,
		TopK:        cfg.Memory.TopK,
		RecentLimit: cfg.Prompt.RecentLimit,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Queue:       a.queue,
	})
	if err != nil {
		return err
	}
	a.pipeline = pipeline
	return nil
}

// canonicalKey normalizes a session key given on the command line, so a
// legacy user_<U> key names the same session the gateway writes to.
func (a *app) canonicalKey(raw string) (string, error) {
	userID, characterID, err := a.resolver.Parse(raw)
	if err != nil {
		return "", err
	}
	return session.Key(userID, characterID)
}

// applyReload pushes the hot-reloadable settings of a new config into the
// running components.
func (a *app) applyReload(next *config.Config) {
	if next.Logging.Level != a.cfg.Logging.Level {
		if err := a.log.SetLevel(next.Logging.Level); err != nil {
			a.logger.Warn().Err(err).Str("level", next.Logging.Level).Msg("Ignoring invalid log level")
		} else {
			a.logger.Info().Str("level", next.Logging.Level).Msg("Log level updated")
		}
	}

	if a.pipeline != nil {
		a.pipeline.SetGenerationParams(chat.GenerationParams{
			TopK:        next.Memory.TopK,
			RecentLimit: next.Prompt.RecentLimit,
			MaxTokens:   next.LLM.MaxTokens,
			Temperature: next.LLM.Temperature,
		})
	}

	cp := *a.cfg
	cp.Logging.Level = next.Logging.Level
	cp.Memory.TopK = next.Memory.TopK
	cp.Prompt.RecentLimit = next.Prompt.RecentLimit
	cp.LLM.MaxTokens = next.LLM.MaxTokens
	cp.LLM.Temperature = next.LLM.Temperature
	a.cfg = &cp
}
