// Command xear runs the x-ear offline data engine: a durable local
// cache of clinic entities plus a write-ahead outbox that keeps every
// locally made change until the clinic API acknowledges it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/config"
	"github.com/omrozmn/x-ear-sub010/internal/engine"
	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/netmon"
	"github.com/omrozmn/x-ear-sub010/internal/remote"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "xear",
	Short:   "Offline-first data engine for the x-ear clinic suite",
	Version: version,
	Long: `xear keeps clinic data usable without connectivity.

Every write lands in the local database immediately and is queued
durably for the clinic API; background sync passes drain the queue and
pull authoritative state back without clobbering unsent local edits.

Run 'xear daemon' on the device; the UI shell talks to its local HTTP
API. The other commands inspect and maintain the local state.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default: $XEAR_DATA_DIR/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
		&cobra.Group{ID: "tools", Title: "Tools:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration for every subcommand.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// loadCatalog resolves the kind catalog named by cfg.
func loadCatalog(cfg *config.Config) *kinds.Catalog {
	if cfg.Kinds.Path == "" {
		return kinds.Default()
	}
	catalog, err := kinds.Load(cfg.Kinds.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading kind catalog: %v\n", err)
		os.Exit(1)
	}
	return catalog
}

// openStore opens the configured database for direct maintenance
// commands. Safe alongside a running daemon: sqlite WAL mode serves
// concurrent processes.
func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.Store.Path, loadCatalog(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return st
}

// buildEngine assembles a standalone engine for commands that run
// without the daemon (sync fallback, loadtest).
func buildEngine(cfg *config.Config) (engine.Engine, error) {
	st := openStore(cfg)

	deviceID, err := st.DeviceID()
	if err != nil {
		st.Close()
		return nil, err
	}
	monitor := netmon.New(true, nil)
	client, err := remote.New(&remote.Config{
		BaseURL:          cfg.Remote.BaseURL,
		Token:            cfg.Remote.Token,
		DeviceID:         deviceID,
		MinServerVersion: cfg.Remote.MinServerVersion,
		PageSize:         cfg.Remote.PageSize,
		Timeout:          cfg.Remote.Timeout,
		Observer: func(reachable bool) {
			if reachable {
				monitor.ReportSuccess()
			} else {
				monitor.ReportFailure()
			}
		},
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	engCfg := engine.DefaultConfig()
	engCfg.MaxPullPages = cfg.Sync.MaxPullPages
	eng, err := engine.New(st, client, monitor, engCfg, nil, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	return eng, nil
}
