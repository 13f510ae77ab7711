package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and reach the configured stores",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		fmt.Fprintln(out, "Configuration: invalid")
		for _, e := range errs {
			fmt.Fprintf(out, "  - %v\n", e)
		}
		return fmt.Errorf("configuration has %d error(s)", len(errs))
	}
	fmt.Fprintln(out, "Configuration: ok")

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	failed := 0
	report := func(name string, err error) {
		if err != nil {
			failed++
			fmt.Fprintf(out, "%-16s failed: %v\n", name+":", err)
			return
		}
		fmt.Fprintf(out, "%-16s ok\n", name+":")
	}

	err = a.openHistory(ctx)
	if err == nil {
		err = a.history.Ping(ctx)
	}
	report("History ("+cfg.History.Driver+")", err)

	err = a.openIndex(ctx)
	if err == nil {
		_ = a.index.Stats(ctx)
	}
	report("Memory ("+cfg.Memory.Backend+")", err)

	report("Reconcile ledger", a.openLedger())

	if cfg.Persona.Source == "postgres" {
		pool, err := a.pool(ctx, cfg.Persona.DSN)
		if err == nil {
			err = pool.Ping(ctx)
		}
		report("Persona (postgres)", err)
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
