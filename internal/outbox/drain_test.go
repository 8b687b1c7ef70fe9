package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/remote"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

// fakeSender records sends and answers per a scripted respond func.
type fakeSender struct {
	mu      sync.Mutex
	sent    []*record.Operation
	respond func(op *record.Operation) error
}

func (f *fakeSender) Send(ctx context.Context, op *record.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, op)
	if f.respond == nil {
		return nil
	}
	return f.respond(op)
}

func (f *fakeSender) sentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(f.sent))
	for i, op := range f.sent {
		keys[i] = op.IdempotencyKey
	}
	return keys
}

func transientErr() error {
	return &remote.NetworkError{Op: "PUT /api/patients/x", Err: errors.New("connection refused")}
}

func permanentErr() error {
	return &remote.ValidationError{StatusCode: http.StatusUnprocessableEntity, Message: "bad phone"}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), kinds.Default())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

var opSerial int

func enqueueWrite(t *testing.T, st *store.Store, entityID string, priority int) {
	t.Helper()
	opSerial++
	now := time.Now().UTC()
	rec := &record.Record{
		ID:         entityID,
		Kind:       "patients",
		Payload:    json.RawMessage(`{"firstName":"Ayşe","lastName":"Kaya"}`),
		SyncStatus: record.StatusPending,
		UpdatedAt:  now,
	}
	op := &record.Operation{
		ID:       fmt.Sprintf("op-%d", opSerial),
		Kind:     "patients",
		EntityID: entityID,
		Method:   record.MethodPut,
		Endpoint: "/api/patients/" + entityID,
		Payload:  rec.Payload,
		Priority: priority,
	}
	if err := st.EnqueueWriteContext(context.Background(), rec, op); err != nil {
		t.Fatalf("EnqueueWrite failed: %v", err)
	}
}

func recordStatus(t *testing.T, st *store.Store, entityID string) record.SyncStatus {
	t.Helper()
	rec, err := st.GetRecord("patients", entityID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	return rec.SyncStatus
}

func TestDrain_AckFlipsRecordSynced(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	d := New(st, sender, nil, nil, nil)

	enqueueWrite(t, st, "pat-1", 2)

	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Acked != 1 || res.Attempted != 1 {
		t.Errorf("result = %+v, want one acked attempt", res)
	}
	if got := recordStatus(t, st, "pat-1"); got != record.StatusSynced {
		t.Errorf("record status = %q, want synced", got)
	}

	acked, err := st.ListOperationsContext(context.Background(), record.OpAcked, 0)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(acked) != 1 {
		t.Errorf("expected 1 acked op, got %d", len(acked))
	}
}

func TestDrain_PerEntityFIFO(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	d := New(st, sender, &Config{MaxLanes: 8}, nil, nil)

	for i := 0; i < 4; i++ {
		enqueueWrite(t, st, "pat-1", 2)
	}

	if _, err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	keys := sender.sentKeys()
	if len(keys) != 4 {
		t.Fatalf("sent %d ops, want 4", len(keys))
	}
	// Keys end in the monotonic sequence number, so enqueue order is
	// visible in the send order.
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			t.Errorf("send order violates enqueue order: %v", keys)
		}
	}
}

func TestDrain_TransientHaltsLane(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	sender.respond = func(op *record.Operation) error { return transientErr() }
	d := New(st, sender, nil, nil, nil)

	enqueueWrite(t, st, "pat-1", 2)
	enqueueWrite(t, st, "pat-1", 2)

	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Requeued != 1 || res.Attempted != 1 {
		t.Errorf("result = %+v, want single requeued attempt", res)
	}
	if len(sender.sent) != 1 {
		t.Errorf("lane should halt after the transient failure, sent %d", len(sender.sent))
	}

	// The failed op went back to queued with a future gate and a bumped
	// retry count.
	queued, err := st.ListOperationsContext(context.Background(), record.OpQueued, 0)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued ops, got %d", len(queued))
	}
	head := queued[0]
	if head.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", head.RetryCount)
	}
	if !head.NextAttemptAt.After(time.Now().UTC()) {
		t.Error("requeued op should be gated into the future")
	}
	if head.LastError == "" {
		t.Error("requeued op should record the failure cause")
	}
	if got := recordStatus(t, st, "pat-1"); got != record.StatusPending {
		t.Errorf("record status = %q, want pending", got)
	}
}

func TestDrain_PermanentContinuesLane(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	first := true
	sender.respond = func(op *record.Operation) error {
		if first {
			first = false
			return permanentErr()
		}
		return nil
	}
	d := New(st, sender, nil, nil, nil)

	enqueueWrite(t, st, "pat-1", 2)
	enqueueWrite(t, st, "pat-1", 2)

	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Failed != 1 || res.Acked != 1 {
		t.Errorf("result = %+v, want 1 failed + 1 acked", res)
	}
	if len(sender.sent) != 2 {
		t.Errorf("lane should continue past a permanent rejection, sent %d", len(sender.sent))
	}

	// The rejected op is parked with its cause, not retried.
	failed, err := st.ListOperationsContext(context.Background(), record.OpFailed, 0)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError == "" {
		t.Errorf("expected 1 parked op with cause, got %+v", failed)
	}

	// The later op carried the newest full state and was accepted, so
	// the record itself ends synced.
	if got := recordStatus(t, st, "pat-1"); got != record.StatusSynced {
		t.Errorf("record status = %q, want synced", got)
	}
}

func TestDrain_RejectionMarksRecordFailed(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	sender.respond = func(op *record.Operation) error { return permanentErr() }
	d := New(st, sender, nil, nil, nil)

	enqueueWrite(t, st, "pat-1", 2)

	if _, err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if got := recordStatus(t, st, "pat-1"); got != record.StatusFailed {
		t.Errorf("record status = %q, want failed", got)
	}
}

func TestDrain_CrossEntityIndependence(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	sender.respond = func(op *record.Operation) error {
		if op.EntityID == "pat-bad" {
			return transientErr()
		}
		return nil
	}
	d := New(st, sender, nil, nil, nil)

	enqueueWrite(t, st, "pat-bad", 2)
	enqueueWrite(t, st, "pat-good", 2)

	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Acked != 1 || res.Requeued != 1 {
		t.Errorf("result = %+v, want 1 acked + 1 requeued", res)
	}
	if got := recordStatus(t, st, "pat-good"); got != record.StatusSynced {
		t.Errorf("healthy entity = %q, want synced", got)
	}
	if got := recordStatus(t, st, "pat-bad"); got != record.StatusPending {
		t.Errorf("failing entity = %q, want pending", got)
	}
}

func TestDrain_GatedHeadBlocksWholeLane(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sender := &fakeSender{}
	sender.respond = func(op *record.Operation) error { return transientErr() }
	d := New(st, sender, &Config{BaseRetryDelay: time.Hour}, nil, nil)

	enqueueWrite(t, st, "pat-1", 2)
	enqueueWrite(t, st, "pat-1", 2)

	// First pass gates the head op an hour out.
	if _, err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("first pass should have attempted only the head, sent %d", len(sender.sent))
	}

	// Second pass must not let the second op overtake the gated head.
	res, err := d.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Attempted != 0 || len(sender.sent) != 1 {
		t.Errorf("gated lane was drained anyway: result=%+v sent=%d", res, len(sender.sent))
	}
}

func TestDrain_PriorityOrdersLaneStart(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	// Single lane so start order equals send order.
	d := New(st, sender, &Config{MaxLanes: 1}, nil, nil)

	enqueueWrite(t, st, "pat-routine", 4)
	enqueueWrite(t, st, "pat-urgent", 0)

	if _, err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d ops, want 2", len(sender.sent))
	}
	if sender.sent[0].EntityID != "pat-urgent" {
		t.Errorf("urgent entity should drain first, got %s", sender.sent[0].EntityID)
	}
}

func TestDrain_EmptyQueueIsNoop(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	d := New(st, sender, nil, nil, nil)

	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Attempted != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestRecover_RequeuesStrandedSends(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sender := &fakeSender{}
	d := New(st, sender, nil, nil, nil)

	enqueueWrite(t, st, "pat-1", 2)
	ops, err := st.ListOperationsContext(ctx, record.OpQueued, 0)
	if err != nil || len(ops) != 1 {
		t.Fatalf("expected 1 queued op, got %d (err=%v)", len(ops), err)
	}
	if err := st.MarkSendingContext(ctx, ops[0].ID); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}

	n, err := d.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d ops, want 1", n)
	}

	res, err := d.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Acked != 1 {
		t.Errorf("stranded op should drain after recover: %+v", res)
	}
}

func TestStats_CountsQueue(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	sender.respond = func(op *record.Operation) error {
		if op.EntityID == "pat-bad" {
			return permanentErr()
		}
		return transientErr()
	}
	d := New(st, sender, nil, nil, nil)

	enqueueWrite(t, st, "pat-bad", 2)
	enqueueWrite(t, st, "pat-slow", 2)

	if _, err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	stats, err := d.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 pending + 1 failed", stats)
	}
}
