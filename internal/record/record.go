// Package record defines the persisted data model for the x-ear offline engine.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the envelope version written by this build.
// Rows carrying older versions are upgraded by DecodeEnvelope.
const SchemaVersion = 2

// SyncStatus describes how a record relates to the server copy.
type SyncStatus string

const (
	// StatusSynced means the record matches the last acknowledged server state.
	StatusSynced SyncStatus = "synced"
	// StatusPending means a local edit for this record is queued in the outbox.
	StatusPending SyncStatus = "pending"
	// StatusFailed means the server permanently rejected the queued edit.
	StatusFailed SyncStatus = "failed"
)

// IsValid reports whether s is a known sync status.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusFailed:
		return true
	}
	return false
}

// Record is one entity held by the engine.
type Record struct {
	// ===== Identification =====
	ID   string `json:"id"`
	Kind string `json:"kind"` // patients, appointments, invoices, devices, attachments

	// ===== Domain Payload =====
	// Payload is the entity body as received from or destined for the
	// clinic API. The engine never interprets it beyond indexing the
	// lookup fields declared in the kind catalog.
	Payload json.RawMessage `json:"payload"`

	// ===== Sync Bookkeeping =====
	SyncStatus SyncStatus `json:"syncStatus"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"` // authoritative for merge

	// ===== Cache Shadow Fields =====
	// ExpiresAt set means this row is a TTL shadow pulled from the
	// server; nil means a locally owned entity that never expires.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Priority  int        `json:"priority,omitempty"` // 0-4 (0=critical, 4=discardable)
}

// Validate checks that the Record has valid field values.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !r.SyncStatus.IsValid() {
		return fmt.Errorf("invalid sync status: %q", r.SyncStatus)
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	if r.Priority < 0 || r.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", r.Priority)
	}
	return nil
}

// IsShadow reports whether the record is a TTL cache shadow.
func (r *Record) IsShadow() bool {
	return r.ExpiresAt != nil
}

// Expired reports whether a shadow record's TTL has passed at now.
// Full entities never expire.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Envelope is the on-disk wrapper around a Record.
type Envelope struct {
	SchemaVersion int     `json:"schemaVersion"`
	Record        *Record `json:"record"`
}

// EncodeEnvelope serializes a record inside the current envelope version.
func EncodeEnvelope(r *Record) ([]byte, error) {
	data, err := json.Marshal(Envelope{SchemaVersion: SchemaVersion, Record: r})
	if err != nil {
		return nil, fmt.Errorf("failed to encode record envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a stored row back into a Record, upgrading older
// envelope versions to the current one. Version 1 rows predate the
// envelope entirely: the stored bytes are the bare record object, and
// missing bookkeeping fields receive defaults (syncStatus=synced).
func DecodeEnvelope(data []byte) (*Record, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode record envelope: %w", err)
	}

	switch env.SchemaVersion {
	case SchemaVersion:
		if env.Record == nil {
			return nil, fmt.Errorf("envelope v%d has no record", env.SchemaVersion)
		}
		return env.Record, nil
	case 0:
		return upcastV1(data)
	default:
		return nil, fmt.Errorf("unsupported envelope version %d", env.SchemaVersion)
	}
}

// upcastV1 upgrades a pre-envelope row. The v1 format was the bare record
// JSON with no schemaVersion marker.
func upcastV1(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode v1 record: %w", err)
	}
	if r.SyncStatus == "" {
		r.SyncStatus = StatusSynced
	}
	return &r, nil
}
