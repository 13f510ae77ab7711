package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/reconcile"
)

var (
	reindexSession string
	reindexAll     bool
	reindexPending bool
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild memory chunks from stored history",
	Long: `Replay stored exchanges into the memory index. The session's existing
chunks are removed first, so a replay never duplicates memory.

  lumilove reindex --session user_7_character_42
  lumilove reindex --all
  lumilove reindex --pending    # only sessions waiting for reconciliation`,
	RunE: runReindex,
}

func init() {
	reindexCmd.Flags().StringVar(&reindexSession, "session", "", "session key to replay")
	reindexCmd.Flags().BoolVar(&reindexAll, "all", false, "replay every session")
	reindexCmd.Flags().BoolVar(&reindexPending, "pending", false, "replay sessions recorded in the reconcile ledger")
	reindexCmd.MarkFlagsMutuallyExclusive("session", "all", "pending")
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	if reindexSession == "" && !reindexAll && !reindexPending {
		return errors.New("one of --session, --all or --pending is required")
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

	ctx := cmd.Context()
	if err := a.openStorage(ctx, "cli"); err != nil {
		return err
	}

	var results []reconcile.Result
	switch {
	case reindexSession != "":
		key, err := a.canonicalKey(reindexSession)
		if err != nil {
			return err
		}
		res, err := a.replayer.ReplaySession(ctx, key)
		if err != nil {
			return fmt.Errorf("reindex %s: %w", key, err)
		}
		results = []reconcile.Result{res}
	case reindexAll:
		results, err = a.replayer.ReplayAll(ctx)
	default:
		results, err = a.replayer.Drain(ctx)
	}

	out := cmd.OutOrStdout()
	for _, res := range results {
		fmt.Fprintf(out, "%s: %d exchanges indexed, %d stale chunks removed (%s)\n",
			res.SessionKey, res.Exchanges, res.Removed, res.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "Replayed %d session(s)\n", len(results))
	return err
}
