package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/daemon"
	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "run",
	Short:   "Run the engine daemon (foreground)",
	Long: `Run the offline engine as a foreground daemon.

The daemon:
  1. Opens the local database and takes the instance lock
  2. Serves the local HTTP API and websocket event stream
  3. Watches the document spool directory
  4. Runs sync passes on an interval and after local writes

Stop with Ctrl+C; queued operations survive restarts.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		d, err := daemon.New(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting x-ear engine daemon...\n", ui.RenderAccent("▶"))
		fmt.Printf("   Data dir: %s\n", cfg.DataDir)
		fmt.Printf("   API:      %s\n", cfg.API.Addr)
		fmt.Printf("   Remote:   %s\n", cfg.Remote.BaseURL)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				fmt.Fprintf(os.Stderr, "Error: another daemon is already serving %s\n", cfg.DataDir)
			} else {
				fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			}
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
