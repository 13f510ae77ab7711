package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
)

var (
	clearSession string
	clearAll     bool
	clearYes     bool
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete memory chunks",
	Long: `Delete chunks from the memory index. Stored history is kept, so
"lumilove reindex" can rebuild what was cleared.

  lumilove clear --session user_7_character_42
  lumilove clear --all --yes`,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().StringVar(&clearSession, "session", "", "session key to clear")
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "clear the whole index")
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm --all")
	clearCmd.MarkFlagsMutuallyExclusive("session", "all")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	switch {
	case clearSession == "" && !clearAll:
		return errors.New("one of --session or --all is required")
	case clearAll && !clearYes:
		return errors.New("--all deletes every chunk; pass --yes to confirm")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	}
	defer observability.GetAuditLogger().Close()

	ctx := cmd.Context()
	if err := a.openIndex(ctx); err != nil {
		return fmt.Errorf("memory index: %w", err)
	}
	out := cmd.OutOrStdout()

	if clearAll {
		removed, err := a.index.Clear(ctx)
		if err != nil {
			observability.RecordIndexAudit(ctx, "memory.clear", "cli", "error", map[string]interface{}{
				"error": err.Error(),
			})
			return err
		}
		observability.RecordIndexAudit(ctx, "memory.clear", "cli", "success", map[string]interface{}{
			"removed": removed,
		})
		fmt.Fprintf(out, "Removed %d chunk(s) from the %s index\n", removed, a.index.Backend())
		return nil
	}

	key, err := a.canonicalKey(clearSession)
	if err != nil {
		return err
	}
	removed, err := a.index.DeleteSession(ctx, key)
	if err != nil {
		observability.RecordSessionAudit(ctx, "memory.clear", key, "cli", "error", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	observability.RecordSessionAudit(ctx, "memory.clear", key, "cli", "success", map[string]interface{}{
		"removed": removed,
	})
	fmt.Fprintf(out, "Removed %d chunk(s) of %s\n", removed, key)
	return nil
}
