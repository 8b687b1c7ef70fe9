package intake

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/cache"
	"github.com/omrozmn/x-ear-sub010/internal/engine"
	"github.com/omrozmn/x-ear-sub010/internal/record"
)

// fakeEngine records Save calls; everything else is inert.
type fakeEngine struct {
	mu    sync.Mutex
	saved []savedCall
}

type savedCall struct {
	kind    string
	payload map[string]interface{}
}

func (f *fakeEngine) Save(_ context.Context, kind string, payload json.RawMessage) (*record.Record, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.saved = append(f.saved, savedCall{kind: kind, payload: fields})
	f.mu.Unlock()
	return &record.Record{ID: "att-1", Kind: kind, Payload: payload, SyncStatus: record.StatusPending}, nil
}

func (f *fakeEngine) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func (f *fakeEngine) Update(context.Context, string, string, json.RawMessage) (*record.Record, error) {
	return nil, nil
}
func (f *fakeEngine) Delete(context.Context, string, string) error { return nil }
func (f *fakeEngine) Get(context.Context, string, string) (*record.Record, error) {
	return nil, nil
}
func (f *fakeEngine) GetAll(context.Context, string) ([]*record.Record, error) { return nil, nil }
func (f *fakeEngine) Search(context.Context, string, cache.SearchQuery) (*cache.SearchResult, error) {
	return &cache.SearchResult{}, nil
}
func (f *fakeEngine) CacheRemote(context.Context, string, []*record.Record, cache.Options) error {
	return nil
}
func (f *fakeEngine) SyncNow(context.Context) (*engine.SyncReport, error) {
	return &engine.SyncReport{}, nil
}
func (f *fakeEngine) Status(context.Context) (*engine.Status, error) { return &engine.Status{}, nil }
func (f *fakeEngine) AddListener(func()) int                         { return 0 }
func (f *fakeEngine) RemoveListener(int)                             {}
func (f *fakeEngine) Close() error                                   { return nil }

func newTestWatcher(t *testing.T) (*Watcher, *fakeEngine, string) {
	t.Helper()
	spool := t.TempDir()
	eng := &fakeEngine{}
	w, err := New(eng, &Config{
		SpoolDir:         spool,
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[intake] ", log.LstdFlags),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w, eng, spool
}

func TestIngest_RegistersAndMoves(t *testing.T) {
	w, eng, spool := newTestWatcher(t)
	if err := os.MkdirAll(filepath.Join(spool, SentDirName), 0o755); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(spool, "audiogram.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := w.ingest(path); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if len(eng.saved) != 1 {
		t.Fatalf("expected 1 save, got %d", len(eng.saved))
	}
	call := eng.saved[0]
	if call.kind != "attachments" {
		t.Errorf("expected kind attachments, got %s", call.kind)
	}
	if call.payload["fileName"] != "audiogram.pdf" {
		t.Errorf("unexpected fileName %v", call.payload["fileName"])
	}
	if call.payload["sha256"] == "" || call.payload["content"] == "" {
		t.Error("expected content hash and body in payload")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected spool file to be moved")
	}
	if _, err := os.Stat(filepath.Join(spool, SentDirName, "audiogram.pdf")); err != nil {
		t.Errorf("expected file in sent folder: %v", err)
	}
}

func TestIngest_MissingFileIsNoop(t *testing.T) {
	w, eng, spool := newTestWatcher(t)

	if err := w.ingest(filepath.Join(spool, "gone.pdf")); err != nil {
		t.Fatalf("ingest of missing file should be a no-op, got %v", err)
	}
	if len(eng.saved) != 0 {
		t.Errorf("expected no saves, got %d", len(eng.saved))
	}
}

func TestProcessPending_HonorsDebounce(t *testing.T) {
	w, eng, spool := newTestWatcher(t)
	if err := os.MkdirAll(filepath.Join(spool, SentDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(spool, "consent.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	w.queueChange(path)

	// Still inside the debounce window: nothing happens.
	w.processPending(now)
	if len(eng.saved) != 0 {
		t.Fatalf("expected no ingest inside debounce window, got %d", len(eng.saved))
	}

	// Past the window: the file is ingested exactly once.
	w.processPending(now.Add(time.Second))
	w.processPending(now.Add(2 * time.Second))
	if len(eng.saved) != 1 {
		t.Fatalf("expected exactly 1 ingest, got %d", len(eng.saved))
	}
}

func TestStart_SweepsExistingFiles(t *testing.T) {
	w, eng, spool := newTestWatcher(t)

	// Dropped while the daemon was down.
	if err := os.WriteFile(filepath.Join(spool, "old-form.pdf"), []byte("pdf"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	for eng.saveCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for swept file to be ingested")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestIgnoredName(t *testing.T) {
	for _, name := range []string{".DS_Store", "~lock.pdf", "scan.tmp", "dl.part", SentDirName} {
		if !ignoredName(name) {
			t.Errorf("expected %q to be ignored", name)
		}
	}
	for _, name := range []string{"audiogram.pdf", "form.jpg", "report.png"} {
		if ignoredName(name) {
			t.Errorf("expected %q not to be ignored", name)
		}
	}
}
