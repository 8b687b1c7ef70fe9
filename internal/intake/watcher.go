// Package intake turns files dropped into a spool directory into
// attachment records.
//
// Clinic staff (and the scanner shell) drop SGK forms, audiograms and
// signed consents into the spool folder. The watcher waits for each
// file to settle, registers it as an attachment entity through the
// engine -- which queues the matching upload operation durably -- and
// then moves the file into a sent/ subfolder so a crash between steps
// re-processes rather than loses it.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/omrozmn/x-ear-sub010/internal/engine"
)

// SentDirName is the subfolder processed files are moved into.
const SentDirName = "sent"

// MaxFileBytes bounds how large a spooled document may be. Larger
// files are left in place and reported once.
const MaxFileBytes = 10 << 20

// Config holds configuration for the intake watcher.
type Config struct {
	// SpoolDir is the watched directory. Created if missing.
	SpoolDir string

	// Kind is the entity kind attachments are registered under.
	Kind string

	// DebounceInterval is how long a file must sit unchanged before it
	// is ingested. Batches editors and scanners that write in chunks.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Kind:             "attachments",
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[intake] ", log.LstdFlags),
	}
}

// Watcher watches the spool directory and feeds the engine.
type Watcher struct {
	engine engine.Engine
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex
	rejected      map[string]bool // oversized files already reported

	// onIngest, when set, runs after each successful ingest. The
	// daemon uses it to trigger a debounced sync pass.
	onIngest func(id, name string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an intake watcher over an assembled engine. Use Start
// to begin watching.
func New(eng engine.Engine, cfg *Config) (*Watcher, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SpoolDir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if cfg.Kind == "" {
		cfg.Kind = "attachments"
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[intake] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		engine:      eng,
		config:      cfg,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		rejected:    make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// OnIngest registers a callback invoked after each ingested file.
// Must be called before Start.
func (w *Watcher) OnIngest(fn func(id, name string)) {
	w.onIngest = fn
}

// Start creates the spool layout, sweeps files already present and
// begins watching. Non-blocking; use Stop to shut down.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(filepath.Join(w.config.SpoolDir, SentDirName), 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := w.watcher.Add(w.config.SpoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	// Files dropped while the daemon was down are queued like fresh
	// events and picked up once the debounce window passes.
	if err := w.sweepExisting(); err != nil {
		return err
	}

	w.config.Logger.Printf("watching %s", w.config.SpoolDir)

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()
	return nil
}

// Stop shuts the watcher down and waits for in-flight work.
func (w *Watcher) Stop() error {
	w.cancel()
	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Warning: error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) sweepExisting() error {
	entries, err := os.ReadDir(w.config.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	now := time.Now()
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || ignoredName(entry.Name()) {
			continue
		}
		w.changeQueue[filepath.Join(w.config.SpoolDir, entry.Name())] = now
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if ignoredName(filepath.Base(event.Name)) {
				continue
			}
			if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
				continue
			}
			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Warning: watcher error: %v", err)
		}
	}
}

// queueChange records a file event, restarting its debounce window.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()
	w.changeQueue[path] = time.Now()
}

// processChangeQueue ingests files whose debounce window has passed.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processPending(time.Now())
		}
	}
}

// processPending ingests every queued file that has settled.
func (w *Watcher) processPending(now time.Time) {
	w.changeQueueMu.Lock()
	var due []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		due = append(due, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	for _, path := range due {
		if err := w.ingest(path); err != nil {
			w.config.Logger.Printf("Warning: failed to ingest %s: %v", path, err)
		}
	}
}

// ingest registers one spooled file as an attachment and moves it to
// the sent folder. The engine write queues the upload durably before
// the move, so a crash between the two replays the file (same content
// hash) rather than dropping it.
func (w *Watcher) ingest(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > MaxFileBytes {
		if !w.rejected[path] {
			w.rejected[path] = true
			w.config.Logger.Printf("Warning: %s exceeds %d bytes, skipping", path, int64(MaxFileBytes))
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	sum := sha256.Sum256(data)
	name := filepath.Base(path)
	payload, err := json.Marshal(map[string]interface{}{
		"fileName":    name,
		"contentType": contentTypeFor(name),
		"sizeBytes":   info.Size(),
		"sha256":      hex.EncodeToString(sum[:]),
		"content":     base64.StdEncoding.EncodeToString(data),
		"capturedAt":  info.ModTime().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode attachment: %w", err)
	}

	rec, err := w.engine.Save(w.ctx, w.config.Kind, payload)
	if err != nil {
		return fmt.Errorf("failed to register attachment: %w", err)
	}

	sentPath := filepath.Join(w.config.SpoolDir, SentDirName, name)
	if _, err := os.Stat(sentPath); err == nil {
		// A same-named file was processed before; keep both.
		sentPath = filepath.Join(w.config.SpoolDir, SentDirName,
			time.Now().UTC().Format("20060102-150405")+"-"+name)
	}
	if err := os.Rename(path, sentPath); err != nil {
		return fmt.Errorf("failed to move file to sent: %w", err)
	}

	w.config.Logger.Printf("ingested %s as %s/%s", name, w.config.Kind, rec.ID)
	if w.onIngest != nil {
		w.onIngest(rec.ID, name)
	}
	return nil
}

// ignoredName filters temp files editors and scanners leave behind.
func ignoredName(name string) bool {
	if name == "" || name == SentDirName {
		return true
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return true
	}
	switch filepath.Ext(name) {
	case ".tmp", ".part", ".crdownload", ".swp":
		return true
	}
	return false
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
