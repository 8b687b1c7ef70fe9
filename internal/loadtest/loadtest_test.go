package loadtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/omrozmn/x-ear-sub010/internal/engine"
	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/netmon"
	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/remote"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

// stubBackend acks every send and has nothing to pull.
type stubBackend struct{}

func (stubBackend) Send(context.Context, *record.Operation) error { return nil }
func (stubBackend) PullPage(context.Context, string, string) (*remote.Page, error) {
	return &remote.Page{}, nil
}

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "soak.db"), kinds.Default())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	eng, err := engine.New(st, stubBackend{}, netmon.New(true, nil), nil, nil, nil)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestRun_SmallSoak(t *testing.T) {
	eng := newTestEngine(t)

	result, err := Run(context.Background(), eng, Config{
		Workers:      4,
		OpsPerWorker: 25,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Failed() {
		t.Fatalf("soak observed errors: %v", result.Errors)
	}
	if result.Saves.TotalOps == 0 || result.Reads.TotalOps == 0 {
		t.Errorf("expected saves and reads, got %d/%d",
			result.Saves.TotalOps, result.Reads.TotalOps)
	}
	if result.TotalOps != result.Saves.TotalOps+result.Reads.TotalOps+result.Searches.TotalOps {
		t.Error("total ops does not match per-class counts")
	}
}

func TestRun_NilEngine(t *testing.T) {
	if _, err := Run(context.Background(), nil, Config{}); err == nil {
		t.Fatal("expected an error for a nil engine")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	eng := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := Run(ctx, eng, Config{Workers: 2, OpsPerWorker: 10})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.TotalOps != 0 {
		t.Errorf("expected no completed ops after cancellation, got %d", result.TotalOps)
	}
}
