// Package daemon assembles and runs the offline engine as a
// long-lived process.
//
// The daemon:
//  1. Takes a lock file so only one instance serves a data directory
//  2. Opens the store and builds the engine over the clinic API client
//  3. Serves the local HTTP API and event stream
//  4. Watches the document spool directory
//  5. Runs sync passes on an interval, plus a debounced pass after
//     local writes
//  6. Handles graceful shutdown
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/omrozmn/x-ear-sub010/internal/apiserver"
	"github.com/omrozmn/x-ear-sub010/internal/config"
	"github.com/omrozmn/x-ear-sub010/internal/engine"
	"github.com/omrozmn/x-ear-sub010/internal/intake"
	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/logging"
	"github.com/omrozmn/x-ear-sub010/internal/metrics"
	"github.com/omrozmn/x-ear-sub010/internal/netmon"
	"github.com/omrozmn/x-ear-sub010/internal/outbox"
	"github.com/omrozmn/x-ear-sub010/internal/remote"
	"github.com/omrozmn/x-ear-sub010/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

// LockFileName is the single-instance guard inside the data directory.
const LockFileName = "daemon.lock"

// ErrAlreadyRunning reports a second daemon on the same data directory.
var ErrAlreadyRunning = errors.New("another daemon holds the lock file")

// Daemon owns the assembled engine and its background services.
type Daemon struct {
	cfg  *config.Config
	sink *logging.Sink
	lock *flock.Flock

	store   *store.Store
	monitor *netmon.Monitor
	engine  engine.Engine
	server  *apiserver.Server
	intake  *intake.Watcher

	registry *prometheus.Registry
	logger   *log.Logger

	// writeTrigger receives a signal per local write; the scheduler
	// collapses bursts into one debounced pass.
	writeTrigger chan struct{}
	listenerID   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New assembles a daemon from configuration. Nothing is locked or
// opened yet; Start does that, so a constructed daemon is cheap to
// throw away on flag errors.
func New(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:          cfg,
		writeTrigger: make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start brings every component up and blocks until ctx is cancelled
// or Stop is called. Partial startup failures tear down what already
// came up.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.assemble(); err != nil {
		d.teardown()
		return err
	}

	d.wg.Add(1)
	go d.scheduleSyncPasses()

	d.logger.Printf("daemon ready: api %s, store %s", d.server.Addr(), d.cfg.Store.Path)

	select {
	case <-ctx.Done():
		d.logger.Println("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts every component down in reverse start order.
func (d *Daemon) Stop() error {
	d.cancel()
	d.wg.Wait()
	d.teardown()
	return nil
}

// Engine exposes the assembled engine, mainly for tests and tooling
// that runs in-process with the daemon.
func (d *Daemon) Engine() engine.Engine {
	return d.engine
}

// APIAddr returns the bound API address once Start has run. Useful
// when api.addr was ":0".
func (d *Daemon) APIAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

func (d *Daemon) assemble() error {
	cfg := d.cfg

	d.sink = logging.NewSink(logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	d.logger = d.sink.Component("daemon")

	// Single-instance guard. A stale lock from a crashed daemon is
	// released by the OS, so TryLock failing means a live process.
	d.lock = flock.New(filepath.Join(cfg.DataDir, LockFileName))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock file: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	catalog := kinds.Default()
	if cfg.Kinds.Path != "" {
		if catalog, err = kinds.Load(cfg.Kinds.Path); err != nil {
			return err
		}
	}

	st, err := store.Open(cfg.Store.Path, catalog)
	if err != nil {
		return err
	}
	d.store = st
	if err := st.InitSchema(); err != nil {
		return err
	}
	deviceID, err := st.DeviceID()
	if err != nil {
		return err
	}

	d.registry = prometheus.NewRegistry()
	m := metrics.New(d.registry)

	d.monitor = netmon.New(true, d.sink.Component("netmon"))

	client, err := remote.New(&remote.Config{
		BaseURL:          cfg.Remote.BaseURL,
		Token:            cfg.Remote.Token,
		DeviceID:         deviceID,
		MinServerVersion: cfg.Remote.MinServerVersion,
		PageSize:         cfg.Remote.PageSize,
		Timeout:          cfg.Remote.Timeout,
		Logger:           d.sink.Component("remote"),
		Observer:         d.observeReachability,
	})
	if err != nil {
		return err
	}

	engCfg := engine.DefaultConfig()
	engCfg.MaxPullPages = cfg.Sync.MaxPullPages
	engCfg.Drain = outbox.DefaultConfig()
	engCfg.Drain.MaxLanes = cfg.Sync.MaxLanes

	eng, err := engine.New(st, client, d.monitor, engCfg, m, d.sink.Component("engine"))
	if err != nil {
		return err
	}
	d.engine = eng
	d.listenerID = eng.AddListener(d.onLocalWrite)

	// The handshake is advisory at startup: an unreachable backend
	// leaves the daemon serving local data, a too-old backend is fatal
	// because drains would be rejected anyway.
	if cfg.Remote.MinServerVersion != "" {
		if _, err := client.CheckVersion(d.ctx); err != nil {
			if remote.IsNetwork(err) {
				d.logger.Printf("Warning: version handshake skipped, backend unreachable: %v", err)
			} else {
				return err
			}
		}
	}

	srv, err := apiserver.New(eng, d.monitor, d.registry, &apiserver.Config{
		Addr:   cfg.API.Addr,
		Logger: d.sink.Component("api"),
	})
	if err != nil {
		return err
	}
	d.server = srv
	if err := srv.Start(); err != nil {
		return err
	}

	if cfg.Intake.SpoolDir != "" {
		w, err := intake.New(eng, &intake.Config{
			SpoolDir: cfg.Intake.SpoolDir,
			Logger:   d.sink.Component("intake"),
		})
		if err != nil {
			return err
		}
		w.OnIngest(func(id, name string) {
			d.logger.Printf("document %s registered as %s", name, id)
			d.onLocalWrite()
		})
		if err := w.Start(); err != nil {
			return err
		}
		d.intake = w
	}

	return nil
}

// teardown releases whatever assemble managed to bring up.
func (d *Daemon) teardown() {
	if d.intake != nil {
		if err := d.intake.Stop(); err != nil {
			d.logger.Printf("Warning: intake stop: %v", err)
		}
		d.intake = nil
	}
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.logger.Printf("Warning: api stop: %v", err)
		}
		d.server = nil
	}
	if d.engine != nil {
		d.engine.RemoveListener(d.listenerID)
		if err := d.engine.Close(); err != nil {
			d.logger.Printf("Warning: engine close: %v", err)
		}
		d.engine = nil
		d.store = nil
	} else if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Printf("Warning: store close: %v", err)
		}
		d.store = nil
	}
	if d.lock != nil {
		if err := d.lock.Unlock(); err != nil && d.logger != nil {
			d.logger.Printf("Warning: lock release: %v", err)
		}
		d.lock = nil
	}
	if d.sink != nil {
		_ = d.sink.Close()
		d.sink = nil
	}
}

// onLocalWrite signals the scheduler; a full channel means a pass is
// already queued, which is all a burst of writes needs.
func (d *Daemon) onLocalWrite() {
	select {
	case d.writeTrigger <- struct{}{}:
	default:
	}
}

// observeReachability flips the connectivity monitor from observed
// traffic, so a dead uplink parks sync passes without explicit
// platform signals.
func (d *Daemon) observeReachability(reachable bool) {
	if reachable {
		d.monitor.ReportSuccess()
	} else {
		d.monitor.ReportFailure()
	}
}

// scheduleSyncPasses runs the periodic pass plus a debounced pass
// after local writes. Both funnel into runPass, whose engine-side
// latch already collapses overlapping triggers.
func (d *Daemon) scheduleSyncPasses() {
	defer d.wg.Done()

	interval := d.cfg.Sync.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	debounce := d.cfg.Sync.WriteDebounce
	var debounceTimer *time.Timer
	var debounceC <-chan time.Time

	// Catch up with whatever the last run left queued.
	d.runPass("startup")

	for {
		select {
		case <-d.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			d.runPass("interval")

		case <-d.writeTrigger:
			if debounce <= 0 {
				d.runPass("write")
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(debounce)
				debounceC = debounceTimer.C
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceC:
					default:
					}
				}
				debounceTimer.Reset(debounce)
			}

		case <-debounceC:
			debounceTimer = nil
			debounceC = nil
			d.runPass("write")
		}
	}
}

func (d *Daemon) runPass(cause string) {
	d.server.Publish(apiserver.Event{Type: apiserver.EventSyncStarted})
	report, err := d.engine.SyncNow(d.ctx)
	if err != nil {
		d.logger.Printf("Warning: %s sync pass failed: %v", cause, err)
	} else if !report.Skipped {
		d.logger.Printf("%s sync pass: drained %d, pulled %d, merged %d",
			cause, report.Drained.Acked, report.Pulled, report.Merged)
	}
	data, _ := json.Marshal(report)
	d.server.Publish(apiserver.Event{Type: apiserver.EventSyncCompleted, Data: data})
}
