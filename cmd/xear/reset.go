package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/cache"
	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maintenance",
	Short:   "Evict all cached server records",
	Long: `Evict every cached server record from the local database.

Locally owned records and queued operations are untouched; evicted
records are re-fetched from the clinic API on the next sync. Use this
when cached state is suspected stale beyond what TTLs cover.`,
	Run: func(cmd *cobra.Command, args []string) {
		if !resetForce {
			var ok bool
			err := huh.NewConfirm().
				Title("Evict all cached server records?").
				Description("They will be re-fetched on the next sync.").
				Value(&ok).
				Run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Println(ui.RenderDim("Aborted."))
				return
			}
		}

		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		evicted, err := cache.New(st, nil, nil).ClearAll(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Evicted %d cached record(s)\n", ui.RenderPass("✓"), evicted)
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}
