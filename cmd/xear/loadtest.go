package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/bench"
	"github.com/omrozmn/x-ear-sub010/internal/engine"
	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/loadtest"
	"github.com/omrozmn/x-ear-sub010/internal/netmon"
	"github.com/omrozmn/x-ear-sub010/internal/remote"
	"github.com/omrozmn/x-ear-sub010/internal/store"
	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var (
	loadtestWorkers int
	loadtestOps     int
	loadtestKind    string
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "tools",
	Short:   "Soak the engine with concurrent mixed operations",
	Long: `Run concurrent workers doing mixed saves, reads and searches against
a disposable engine, checking read-your-writes consistency throughout.

Runs fully offline against a temporary database; nothing reaches the
clinic API and the production database is never touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(ui.RenderHeader("Engine soak"))

		eng, err := buildSoakEngine()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error assembling engine: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		result, err := loadtest.Run(cmd.Context(), eng, loadtest.Config{
			Workers:      loadtestWorkers,
			OpsPerWorker: loadtestOps,
			Kind:         loadtestKind,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printSoakResult(result)
		if result.Failed() {
			os.Exit(1)
		}
	},
}

// buildSoakEngine assembles an engine over a throwaway database with
// connectivity forced offline, so the soak exercises the local write
// and read paths without draining anything upstream.
func buildSoakEngine() (engine.Engine, error) {
	dir, err := os.MkdirTemp("", "xear-loadtest")
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(dir, "soak.db"), kinds.Default())
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}
	deviceID, err := st.DeviceID()
	if err != nil {
		st.Close()
		return nil, err
	}

	client, err := remote.New(&remote.Config{
		BaseURL:  "http://127.0.0.1:0",
		DeviceID: deviceID,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	eng, err := engine.New(st, client, netmon.New(false, nil), engine.DefaultConfig(), nil, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	return eng, nil
}

func printSoakResult(r *loadtest.Result) {
	fmt.Printf("%d workers x %d ops on %q in %v\n\n",
		r.Config.Workers, r.Config.OpsPerWorker, r.Config.Kind,
		r.TotalTime.Round(time.Millisecond))

	printStats := func(name string, s bench.LatencyStats) {
		if s.TotalOps == 0 {
			return
		}
		fmt.Printf("  %-10s %6d ops  p50 %-10v p95 %-10v p99 %-10v max %v\n",
			name, s.TotalOps, s.P50, s.P95, s.P99, s.Max)
	}
	printStats("saves", r.Saves)
	printStats("reads", r.Reads)
	printStats("searches", r.Searches)

	if r.Failed() {
		fmt.Printf("\n%s %d consistency error(s):\n", ui.RenderFail("✗"), len(r.Errors))
		for i, e := range r.Errors {
			if i == 10 {
				fmt.Printf("  ... and %d more\n", len(r.Errors)-10)
				break
			}
			fmt.Printf("  - %s\n", e)
		}
		return
	}
	fmt.Printf("\n%s All consistency checks passed\n", ui.RenderPass("✓"))
}

func init() {
	loadtestCmd.Flags().IntVar(&loadtestWorkers, "workers", 0, "concurrent workers (default 16)")
	loadtestCmd.Flags().IntVar(&loadtestOps, "ops", 0, "operations per worker (default 100)")
	loadtestCmd.Flags().StringVar(&loadtestKind, "kind", "", "entity kind to soak (default patients)")
	rootCmd.AddCommand(loadtestCmd)
}
