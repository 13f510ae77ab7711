package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/reconcile"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory index statistics",
	Long:  `Print the number of chunks in the memory index and the sessions waiting for reconciliation.`,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(statsCmd)
}

type statsReport struct {
	Backend         string   `json:"backend"`
	DocumentCount   int      `json:"document_count"`
	PendingEntries  int      `json:"pending_entries"`
	PendingSessions []string `json:"pending_sessions"`
	HistorySessions int      `json:"history_sessions"`
	HistoryDriver   string   `json:"history_driver"`
}

func runStats(cmd *cobra.Command, args []string) error {
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

	entries, err := a.ledger.Pending(ctx)
	if err != nil {
		return fmt.Errorf("read reconcile ledger: %w", err)
	}
	keys, err := a.history.SessionKeys(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	report := statsReport{
		Backend:         a.index.Backend(),
		DocumentCount:   a.index.Stats(ctx).DocumentCount,
		PendingEntries:  len(entries),
		PendingSessions: reconcile.PendingSessions(entries),
		HistorySessions: len(keys),
		HistoryDriver:   cfg.History.Driver,
	}
	if report.PendingSessions == nil {
		report.PendingSessions = []string{}
	}

	out := cmd.OutOrStdout()
	if statsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "Memory backend:    %s\n", report.Backend)
	fmt.Fprintf(out, "Document count:    %d\n", report.DocumentCount)
	fmt.Fprintf(out, "History sessions:  %d (%s)\n", report.HistorySessions, report.HistoryDriver)
	fmt.Fprintf(out, "Pending reconcile: %d entries in %d session(s)\n", report.PendingEntries, len(report.PendingSessions))
	for _, key := range report.PendingSessions {
		fmt.Fprintf(out, "  - %s\n", key)
	}
	return nil
}
