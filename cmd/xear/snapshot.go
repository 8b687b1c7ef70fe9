package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/migrate"
	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var (
	snapshotDryRun bool
	importBackup   bool
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "tools",
	Short:   "Write a JSONL snapshot of records and queued operations",
	Long: `Write every record and every unacknowledged outbox operation to a
JSONL snapshot. Used for device handover and backups: importing the
snapshot on another device preserves idempotency keys, so operations
already sent from this device are not applied twice.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		result, err := migrate.Export(context.Background(), st, args[0], migrate.Options{DryRun: snapshotDryRun})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
			os.Exit(1)
		}

		verb := "Exported"
		if snapshotDryRun {
			verb = "Would export"
		}
		fmt.Printf("%s %s %d record(s) and %d operation(s)\n",
			ui.RenderPass("✓"), verb, result.Records, result.Operations)
		if !snapshotDryRun {
			fmt.Printf("   Snapshot: %s\n", args[0])
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "tools",
	Short:   "Load a JSONL snapshot into the local database",
	Long: `Load a snapshot written by 'xear export'. Records overwrite by id;
operations keep their original idempotency keys and are queued behind
any local ones. Importing the same snapshot twice is a no-op for
operations already present.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		result, err := migrate.Import(context.Background(), st, args[0], migrate.Options{
			DryRun: snapshotDryRun,
			Backup: importBackup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
			os.Exit(1)
		}

		verb := "Imported"
		if snapshotDryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d record(s) and %d operation(s)",
			ui.RenderPass("✓"), verb, result.Records, result.Operations)
		if result.Skipped > 0 {
			fmt.Printf(", skipped %d", result.Skipped)
		}
		fmt.Println()
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		for _, e := range result.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), e)
		}
	},
}

func init() {
	exportCmd.Flags().BoolVar(&snapshotDryRun, "dry-run", false, "preview without writing")
	importCmd.Flags().BoolVar(&snapshotDryRun, "dry-run", false, "preview without writing")
	importCmd.Flags().BoolVar(&importBackup, "backup", false, "copy the database aside before importing")
	rootCmd.AddCommand(exportCmd, importCmd)
}
