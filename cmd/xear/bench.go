package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/bench"
	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var (
	benchRecords int
	benchWorkers int
	benchQueries int
	benchReport  string
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "tools",
	Short:   "Measure read-path latency against a disposable database",
	Long: `Seed a disposable database with synthetic patients and measure
cached-read, cold-read and search latency under concurrent workers.

The production database is never touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(ui.RenderHeader("Read-path benchmark"))

		result, err := bench.Run(cmd.Context(), bench.Config{
			NumRecords:       benchRecords,
			NumWorkers:       benchWorkers,
			QueriesPerWorker: benchQueries,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Print(result.Summary())

		if benchReport != "" {
			if err := bench.WriteReport(result, benchReport); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("\n%s Report written to %s\n", ui.RenderPass("✓"), benchReport)
		}
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchRecords, "records", 0, "synthetic records to seed (default 2000)")
	benchCmd.Flags().IntVar(&benchWorkers, "workers", 0, "concurrent readers (default 8)")
	benchCmd.Flags().IntVar(&benchQueries, "queries", 0, "queries per worker (default 50)")
	benchCmd.Flags().StringVar(&benchReport, "report", "", "also write a markdown report to this path")
	rootCmd.AddCommand(benchCmd)
}
