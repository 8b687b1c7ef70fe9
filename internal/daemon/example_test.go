package daemon_test

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/config"
	"github.com/omrozmn/x-ear-sub010/internal/daemon"
)

// Example_basicUsage demonstrates daemon setup and a local-first write.
func Example_basicUsage() {
	dataDir, err := os.MkdirTemp("", "xear-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dataDir)

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Store.Path = filepath.Join(dataDir, "xear.db")
	cfg.Intake.SpoolDir = filepath.Join(dataDir, "spool")
	cfg.API.Addr = "127.0.0.1:0"

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	// Start daemon in background; it blocks until the context ends.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	// Wait for the API to come up.
	for d.APIAddr() == "" {
		time.Sleep(10 * time.Millisecond)
	}

	// Writes succeed immediately even with no backend reachable; the
	// queued operation drains once connectivity returns.
	_, err = d.Engine().Save(context.Background(), "patients",
		json.RawMessage(`{"firstName":"Ayşe","lastName":"Kaya"}`))
	if err != nil {
		log.Fatal(err)
	}

	cancel()
	<-errCh
}
