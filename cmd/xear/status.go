package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/config"
	"github.com/omrozmn/x-ear-sub010/internal/engine"
	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "run",
	Short:   "Show engine status",
	Long: `Show connectivity, sync state, and queue depth.

Reads from the running daemon when one is up; otherwise inspects the
local database directly.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st, viaDaemon, err := fetchStatus(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if statusJSON {
			out, _ := json.MarshalIndent(st, "", "  ")
			fmt.Println(string(out))
			return
		}

		printStatus(st, viaDaemon)
	},
}

func fetchStatus(cfg *config.Config) (*engine.Status, bool, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.API.Addr + "/v1/status")
	if err != nil {
		if !isConnRefused(err) {
			return nil, false, err
		}
		st, err := statusStandalone(cfg)
		return st, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	var st engine.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, false, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, true, nil
}

func statusStandalone(cfg *config.Config) (*engine.Status, error) {
	eng, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.Status(context.Background())
}

func printStatus(st *engine.Status, viaDaemon bool) {
	fmt.Println(ui.RenderHeader("Engine Status"))

	conn := ui.RenderFail("offline")
	if st.Online {
		conn = ui.RenderPass("online")
	}
	fmt.Printf("  Connectivity: %s\n", conn)
	fmt.Printf("  Device:       %s\n", st.DeviceID)

	if viaDaemon {
		fmt.Printf("  Daemon:       %s\n", ui.RenderPass("running"))
	} else {
		fmt.Printf("  Daemon:       %s\n", ui.RenderDim("not running"))
	}

	if st.Syncing {
		fmt.Printf("  Syncing:      %s\n", ui.RenderAccent("in progress"))
	}
	if st.LastSyncAt.IsZero() {
		fmt.Printf("  Last sync:    %s\n", ui.RenderDim("never"))
	} else {
		fmt.Printf("  Last sync:    %s (%s ago)\n",
			st.LastSyncAt.Local().Format(time.RFC3339),
			time.Since(st.LastSyncAt).Round(time.Second))
	}

	fmt.Printf("  Entities:     %d\n", st.TotalEntities)
	pending := fmt.Sprintf("%d", st.PendingOps)
	if st.PendingOps > 0 {
		pending = ui.RenderWarn(pending)
	}
	fmt.Printf("  Pending ops:  %s\n", pending)
	if st.FailedOps > 0 {
		fmt.Printf("  Failed ops:   %s\n", ui.RenderFail(fmt.Sprintf("%d", st.FailedOps)))
	}

	fmt.Printf("  DB size:      %s\n", formatBytes(uint64(st.DBSizeBytes)))
	fmt.Printf("  Disk free:    %s\n", formatBytes(st.DiskFreeBytes))
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}
