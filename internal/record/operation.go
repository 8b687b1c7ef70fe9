// Package record defines the persisted data model for the x-ear offline engine.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Method is the HTTP verb an outbox operation carries to the clinic API.
type Method string

const (
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// IsValid reports whether m is a supported mutation verb.
func (m Method) IsValid() bool {
	switch m {
	case MethodPost, MethodPut, MethodDelete:
		return true
	}
	return false
}

// OpStatus describes where an outbox operation is in its lifecycle.
type OpStatus string

const (
	// OpQueued means the operation is waiting for the next drain.
	OpQueued OpStatus = "queued"
	// OpSending means a drain currently holds the operation.
	OpSending OpStatus = "sending"
	// OpAcked means the server acknowledged the operation.
	OpAcked OpStatus = "acked"
	// OpFailed means the server permanently rejected the operation.
	// Failed operations are retained for inspection and excluded from
	// automatic retry.
	OpFailed OpStatus = "failed"
)

// IsValid reports whether s is a known operation status.
func (s OpStatus) IsValid() bool {
	switch s {
	case OpQueued, OpSending, OpAcked, OpFailed:
		return true
	}
	return false
}

// Operation is one queued mutation in the outbox.
//
// Operations are appended before the caller sees local write success and
// drained in per-entity FIFO order. The idempotency key is deterministic,
// so a drain resumed after a crash re-sends the same key and the server
// can discard the duplicate.
type Operation struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	EntityID string `json:"entityId"`

	Method   Method          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	IdempotencyKey string `json:"idempotencyKey"`
	Priority       int    `json:"priority"` // 0-4 (0 drains first)

	Status     OpStatus  `json:"status"`
	RetryCount int       `json:"retryCount"`
	LastError  string    `json:"lastError,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// NextAttemptAt gates retries: a queued operation is not picked up
	// before this time. Zero means eligible immediately.
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
}

// Validate checks that the Operation has valid field values.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if o.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if o.EntityID == "" {
		return fmt.Errorf("entityId is required")
	}
	if !o.Method.IsValid() {
		return fmt.Errorf("invalid method: %q", o.Method)
	}
	if o.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if o.IdempotencyKey == "" {
		return fmt.Errorf("idempotencyKey is required")
	}
	if !o.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", o.Status)
	}
	if o.Priority < 0 || o.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", o.Priority)
	}
	if o.EnqueuedAt.IsZero() {
		return fmt.Errorf("enqueuedAt is required")
	}
	return nil
}

// IdempotencyKey builds the deterministic key for one logical mutation.
// Format: {device8}-{entityID}-{verb}-{seq}
//
// The device prefix keeps keys from two devices editing the same entity
// distinct; the sequence number comes from the per-device monotonic
// counter and makes the key unique per logical mutation while staying
// identical across retries of that mutation.
func IdempotencyKey(deviceID, entityID string, method Method, seq int64) string {
	prefix := deviceID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-%s-%s-%d", prefix, entityID, strings.ToLower(string(method)), seq)
}

// SyncMetadata is the singleton summary row written by the sync
// coordinator at the end of each pass.
type SyncMetadata struct {
	LastSyncAt            time.Time `json:"lastSyncAt"`
	TotalEntities         int       `json:"totalEntities"`
	PendingOperationCount int       `json:"pendingOperationCount"`
}
