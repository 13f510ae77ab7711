package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/config"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/daemon"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateway",
	Long: `Run the HTTP, SSE and WebSocket chat gateway in the foreground.
Stops gracefully on SIGINT or SIGTERM. Partial replies of streams that
are cut short are still committed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := a.openStorage(ctx, "scheduler"); err != nil {
		return err
	}
	if err := a.openPipeline(ctx); err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		Logger:     a.log,
		Version:    version,
		Pipeline:   a.pipeline,
		Store:      a.history,
		Index:      a.index,
		Ledger:     a.ledger,
		Backend:    a.backend,
		Resolver:   a.resolver,
		Replayer:   a.replayer,
		ConfigPath: config.NewLoader(cfgFile).GetConfigPath(),
		OnReload:   a.applyReload,
	})
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		_ = d.Stop()
		return err
	}
	return d.Wait(ctx)
}
