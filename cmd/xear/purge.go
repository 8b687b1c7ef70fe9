package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var (
	purgeBefore        string
	purgeIncludeFailed bool
)

var purgeCmd = &cobra.Command{
	Use:     "purge",
	GroupID: "maintenance",
	Short:   "Remove acknowledged operations from the outbox",
	Long: `Remove acknowledged operations older than a cutoff from the outbox.

The cutoff accepts natural language ("2 weeks ago", "last month") or an
RFC 3339 timestamp. With --include-failed, permanently failed operations
older than the cutoff are removed too; without it they are kept for
inspection.`,
	Example: `  xear purge --before "30 days ago"
  xear purge --before 2026-01-01T00:00:00Z --include-failed`,
	Run: func(cmd *cobra.Command, args []string) {
		cutoff, err := parseCutoff(purgeBefore)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		removed, err := st.PurgeOperationsContext(context.Background(), cutoff, purgeIncludeFailed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error purging operations: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Removed %d operation(s) older than %s\n",
			ui.RenderPass("✓"), removed, cutoff.Local().Format(time.RFC3339))
	},
}

// parseCutoff accepts RFC 3339 first, then falls back to natural
// language relative to now.
func parseCutoff(text string) (time.Time, error) {
	if text == "" {
		return time.Time{}, fmt.Errorf("--before is required")
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	result, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cutoff %q: %w", text, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand cutoff %q (try \"30 days ago\" or RFC 3339)", text)
	}
	if result.Time.After(time.Now()) {
		return time.Time{}, fmt.Errorf("cutoff %q is in the future", text)
	}
	return result.Time, nil
}

func init() {
	purgeCmd.Flags().StringVar(&purgeBefore, "before", "", "cutoff: natural language or RFC 3339 (required)")
	purgeCmd.Flags().BoolVar(&purgeIncludeFailed, "include-failed", false, "also remove permanently failed operations")
	purgeCmd.MarkFlagRequired("before")
	rootCmd.AddCommand(purgeCmd)
}
