package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/config"
	"github.com/omrozmn/x-ear-sub010/internal/engine"
	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "run",
	Short:   "Trigger one sync pass now",
	Long: `Trigger a sync pass: drain queued operations to the clinic API and
pull authoritative state back.

Goes through the running daemon's API when one is up; otherwise a
standalone engine runs the pass directly.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		report, err := syncViaAPI(cfg)
		if err != nil {
			if !isConnRefused(err) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			// No daemon; run the pass in-process.
			report = syncStandalone(cfg)
		}

		printReport(report)
	},
}

func syncViaAPI(cfg *config.Config) (*engine.SyncReport, error) {
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post("http://"+cfg.API.Addr+"/v1/sync", "application/json", bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		// The daemon reports pass failures with the partial report
		// attached; surface its message.
		var failure struct {
			Error  string             `json:"error"`
			Report *engine.SyncReport `json:"report"`
		}
		if err := json.Unmarshal(body, &failure); err == nil && failure.Error != "" {
			fmt.Fprintf(os.Stderr, "%s sync pass failed: %s\n", ui.RenderFail("✗"), failure.Error)
			if failure.Report != nil {
				printReport(failure.Report)
			}
			os.Exit(1)
		}
		return nil, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	var report engine.SyncReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to decode sync report: %w", err)
	}
	return &report, nil
}

func syncStandalone(cfg *config.Config) *engine.SyncReport {
	eng, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error assembling engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	report, err := eng.SyncNow(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s sync pass failed: %v\n", ui.RenderFail("✗"), err)
		os.Exit(1)
	}
	return report
}

func printReport(report *engine.SyncReport) {
	if report.Skipped {
		fmt.Printf("%s Sync skipped: %s\n", ui.RenderWarn("⚠"), report.Reason)
		return
	}
	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), report.Duration.Round(time.Millisecond))
	fmt.Printf("   Sent:    %d\n", report.Drained.Acked)
	fmt.Printf("   Failed:  %d\n", report.Drained.Failed)
	fmt.Printf("   Retried: %d\n", report.Drained.Requeued)
	fmt.Printf("   Pulled:  %d\n", report.Pulled)
	fmt.Printf("   Merged:  %d\n", report.Merged)
}

// isConnRefused reports whether err means no daemon is listening.
func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
