package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/record"
)

func testOp(id, entityID string, method record.Method) *record.Operation {
	return &record.Operation{
		ID:       id,
		Kind:     "patients",
		EntityID: entityID,
		Method:   method,
		Endpoint: "/api/patients/" + entityID,
		Payload:  json.RawMessage(`{"firstName":"Ali"}`),
		Priority: 2,
	}
}

func TestEnqueueWrite_WriteAhead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := patientRecord("pat-001", now)
	op := testOp("op-1", "pat-001", record.MethodPut)

	if err := st.EnqueueWriteContext(ctx, rec, op); err != nil {
		t.Fatalf("EnqueueWrite failed: %v", err)
	}

	// The record landed with pending status.
	got, err := st.GetRecordContext(ctx, "patients", "pat-001")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.SyncStatus != record.StatusPending {
		t.Errorf("syncStatus = %q, want pending", got.SyncStatus)
	}

	// The operation is durable, queued, and carries a minted key.
	ops, err := st.DueOperationsContext(ctx, time.Now(), 0)
	if err != nil {
		t.Fatalf("DueOperations failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 queued op, got %d", len(ops))
	}
	if ops[0].IdempotencyKey == "" {
		t.Error("enqueue should mint an idempotency key")
	}
	if ops[0].Status != record.OpQueued {
		t.Errorf("status = %q, want queued", ops[0].Status)
	}

	device, err := st.DeviceIDContext(ctx)
	if err != nil {
		t.Fatalf("DeviceID failed: %v", err)
	}
	if !strings.HasPrefix(ops[0].IdempotencyKey, device[:8]) {
		t.Errorf("key %q should carry the device prefix %q", ops[0].IdempotencyKey, device[:8])
	}
}

func TestEnqueueWrite_MonotonicKeys(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		rec := patientRecord("pat-001", now.Add(time.Duration(i)*time.Second))
		op := testOp(fmt.Sprintf("op-%d", i), "pat-001", record.MethodPut)
		if err := st.EnqueueWriteContext(ctx, rec, op); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
		if seen[op.IdempotencyKey] {
			t.Errorf("duplicate idempotency key minted: %q", op.IdempotencyKey)
		}
		seen[op.IdempotencyKey] = true
	}
}

func TestEnqueueDelete_RemovesRecord(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.PutRecordContext(ctx, patientRecord("pat-001", time.Now())); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	op := testOp("op-del", "pat-001", record.MethodDelete)
	op.Payload = nil
	if err := st.EnqueueDeleteContext(ctx, "patients", "pat-001", op); err != nil {
		t.Fatalf("EnqueueDelete failed: %v", err)
	}

	if _, err := st.GetRecordContext(ctx, "patients", "pat-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record should be gone locally, got %v", err)
	}

	stats, err := st.OutboxStatsContext(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("expected 1 pending op, got %d", stats.Pending)
	}
}

func TestDueOperations_OrderAndGating(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Three ops for one entity, enqueued in order.
	for i := 0; i < 3; i++ {
		rec := patientRecord("pat-001", now)
		op := testOp(fmt.Sprintf("op-%d", i), "pat-001", record.MethodPut)
		if err := st.EnqueueWriteContext(ctx, rec, op); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	ops, err := st.DueOperationsContext(ctx, now, 0)
	if err != nil {
		t.Fatalf("DueOperations failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 due ops, got %d", len(ops))
	}
	for i, op := range ops {
		if op.ID != fmt.Sprintf("op-%d", i) {
			t.Errorf("position %d: got %s; FIFO order violated", i, op.ID)
		}
	}

	// A requeued op with a future attempt time is not due.
	if err := st.RequeueContext(ctx, "op-0", "connection refused", now.Add(time.Hour)); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	ops, err = st.DueOperationsContext(ctx, now, 0)
	if err != nil {
		t.Fatalf("DueOperations failed: %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("expected 2 due ops after backoff gating, got %d", len(ops))
	}

	// It becomes due once the clock passes the gate.
	ops, err = st.DueOperationsContext(ctx, now.Add(2*time.Hour), 0)
	if err != nil {
		t.Fatalf("DueOperations failed: %v", err)
	}
	if len(ops) != 3 {
		t.Errorf("expected 3 due ops past the gate, got %d", len(ops))
	}
}

func TestDueOperations_PriorityFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := testOp("op-low", "pat-001", record.MethodPut)
	low.Priority = 3
	if err := st.EnqueueWriteContext(ctx, patientRecord("pat-001", now), low); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	urgent := testOp("op-urgent", "pat-002", record.MethodPut)
	urgent.Priority = 0
	rec2 := patientRecord("pat-002", now)
	if err := st.EnqueueWriteContext(ctx, rec2, urgent); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ops, err := st.DueOperationsContext(ctx, now, 0)
	if err != nil {
		t.Fatalf("DueOperations failed: %v", err)
	}
	if len(ops) != 2 || ops[0].ID != "op-urgent" {
		t.Errorf("urgent op should drain first: %+v", opIDs(ops))
	}
}

func opIDs(ops []*record.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

func TestOperationLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	op := testOp("op-1", "pat-001", record.MethodPost)
	if err := st.EnqueueWriteContext(ctx, patientRecord("pat-001", now), op); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := st.MarkSendingContext(ctx, "op-1"); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}
	pending, err := st.PendingCountForEntityContext(ctx, "patients", "pat-001")
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("sending op should still count as pending, got %d", pending)
	}

	if err := st.MarkAckedContext(ctx, "op-1"); err != nil {
		t.Fatalf("MarkAcked failed: %v", err)
	}
	pending, err = st.PendingCountForEntityContext(ctx, "patients", "pat-001")
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("acked op should not count as pending, got %d", pending)
	}

	unacked, err := st.UnackedCountForEntityContext(ctx, "patients", "pat-001")
	if err != nil {
		t.Fatalf("UnackedCount failed: %v", err)
	}
	if unacked != 0 {
		t.Errorf("expected no unacked ops, got %d", unacked)
	}
}

func TestMarkFailed_BlocksMergeButNotQueue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	op := testOp("op-1", "pat-001", record.MethodPut)
	if err := st.EnqueueWriteContext(ctx, patientRecord("pat-001", now), op); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := st.MarkFailedContext(ctx, "op-1", "422 invalid phone"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	// Failed ops leave the drain queue...
	ops, err := st.DueOperationsContext(ctx, now, 0)
	if err != nil {
		t.Fatalf("DueOperations failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("failed op should not be due, got %v", opIDs(ops))
	}

	// ...but still protect the local record from remote overwrite.
	unacked, err := st.UnackedCountForEntityContext(ctx, "patients", "pat-001")
	if err != nil {
		t.Fatalf("UnackedCount failed: %v", err)
	}
	if unacked != 1 {
		t.Errorf("failed op should count as unacked, got %d", unacked)
	}

	failed, err := st.ListOperationsContext(ctx, record.OpFailed, 0)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError != "422 invalid phone" {
		t.Errorf("failed op should be retained with its cause: %+v", failed)
	}
}

func TestResetSending_CrashRecovery(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	op := testOp("op-1", "pat-001", record.MethodPut)
	if err := st.EnqueueWriteContext(ctx, patientRecord("pat-001", now), op); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	key := op.IdempotencyKey

	if err := st.MarkSendingContext(ctx, "op-1"); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}

	// Simulated crash: the op is stranded in sending.
	n, err := st.ResetSendingContext(ctx)
	if err != nil {
		t.Fatalf("ResetSending failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset, got %d", n)
	}

	ops, err := st.DueOperationsContext(ctx, now, 0)
	if err != nil {
		t.Fatalf("DueOperations failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected op back in queue, got %d", len(ops))
	}
	if ops[0].IdempotencyKey != key {
		t.Errorf("crash recovery must keep the key: got %q, want %q", ops[0].IdempotencyKey, key)
	}
}

func TestPurgeOperations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := testOp("op-old", "pat-001", record.MethodPut)
	old.EnqueuedAt = now.Add(-48 * time.Hour)
	if err := st.EnqueueWriteContext(ctx, patientRecord("pat-001", now), old); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := st.MarkAckedContext(ctx, "op-old"); err != nil {
		t.Fatalf("MarkAcked failed: %v", err)
	}

	oldFailed := testOp("op-failed", "pat-002", record.MethodPut)
	oldFailed.EnqueuedAt = now.Add(-48 * time.Hour)
	if err := st.EnqueueWriteContext(ctx, patientRecord("pat-002", now), oldFailed); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := st.MarkFailedContext(ctx, "op-failed", "410 gone"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	fresh := testOp("op-new", "pat-003", record.MethodPost)
	if err := st.EnqueueWriteContext(ctx, patientRecord("pat-003", now), fresh); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Without includeFailed only the acked op goes.
	n, err := st.PurgeOperationsContext(ctx, now.Add(-24*time.Hour), false)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}

	// With includeFailed the old failure goes too; the fresh op stays.
	n, err = st.PurgeOperationsContext(ctx, now.Add(-24*time.Hour), true)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}

	stats, err := st.OutboxStatsContext(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Pending != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats after purge: %+v", stats)
	}
}
