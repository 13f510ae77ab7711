package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/config"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/logger"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/gateway"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/llm"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/reconcile"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

// Options carries the already-built components the daemon serves.
type Options struct {
	Config   *config.Config
	Logger   *logger.Logger
	Version  string
	Pipeline gateway.Generator
	Store    history.Store
	Index    gateway.MemoryIndex
	Ledger   reconcile.Ledger
	Backend  llm.Backend
	Resolver session.Resolver
	// Replayer enables the scheduled index repair when Reconcile.Enabled is set.
	Replayer *reconcile.Replayer
	// ConfigPath is watched for changes when OnReload is set.
	ConfigPath string
	OnReload   func(*config.Config)
}

// Daemon runs the chat gateway and its background jobs.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	opts   Options

	gatewayServer *gateway.Server
	scheduler     *reconcile.Scheduler
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	cfg := opts.Config
	log := opts.Logger

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		opts:   opts,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     opts.Version,
			SampleRatio: cfg.Tracing.SampleRatio,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeServices(); err != nil {
		d.shutdownTracing(zerolog.Nop())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeServices() error {
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:     d.config.Server.Host,
		Port:     d.config.Server.Port,
		Pipeline: d.opts.Pipeline,
		Store:    d.opts.Store,
		Index:    d.opts.Index,
		Ledger:   d.opts.Ledger,
		Backend:  d.opts.Backend,
		Resolver: d.opts.Resolver,
		Logger:   d.logger.Component("gateway"),
		Version:  d.opts.Version,
		Uptime:   func() time.Duration { return d.lifecycle.GetUptime() },
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	if d.config.Reconcile.Enabled && d.opts.Replayer != nil {
		scheduler, err := reconcile.NewScheduler(d.opts.Replayer, d.config.Reconcile.Schedule, d.logger.Component("reconcile"))
		if err != nil {
			return fmt.Errorf("failed to create reconcile scheduler: %w", err)
		}
		d.scheduler = scheduler
	}

	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Str("addr", d.config.Addr()).Msg("Starting Lumilove daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Msg("Gateway server started")

	if d.scheduler != nil {
		d.scheduler.Start()
	}

	if d.opts.OnReload != nil {
		watcher, err := config.NewWatcher(config.NewLoader(d.opts.ConfigPath), d.logger.Component("config"))
		if err != nil {
			logger.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			watcher.Subscribe(d.opts.OnReload)
			d.watcher = watcher
		}
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping Lumilove daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if d.scheduler != nil {
		d.scheduler.Stop()
		logger.Info().Msg("Reconcile scheduler stopped")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing(logger)

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) shutdownTracing(logger zerolog.Logger) {
	if !d.tracingEnabled {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until ctx is done or SIGINT/SIGTERM arrives, then stops the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	d.logger.Info().Msg("Shutdown requested")

	return d.Stop()
}

// Addr returns the gateway listen address.
func (d *Daemon) Addr() string {
	return d.gatewayServer.Addr()
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}
