package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/cache"
	"github.com/omrozmn/x-ear-sub010/internal/outbox"
	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/remote"
)

// ErrBadPayload reports a payload or patch that is not a JSON object.
var ErrBadPayload = errors.New("payload must be a JSON object")

// Engine is the single entry point for offline-first record access.
//
// All writes succeed locally regardless of connectivity; the engine
// queues the matching backend operation durably in the same
// transaction and sends it during a later sync pass. All reads are
// local and degrade to absence rather than error when data is
// missing, expired or undecodable.
//
// Engines are safe for concurrent use.
type Engine interface {
	// Save stores a new entity and queues its creation on the backend.
	//
	// The payload is the entity as JSON. When it carries no "id" field
	// the engine mints one, so the returned record always has a stable
	// identifier. Saving an id that already exists locally replaces
	// the entity (a full update).
	//
	// The returned record has pending sync status until the backend
	// acknowledges the operation.
	//
	// Example:
	//   rec, err := eng.Save(ctx, "patients",
	//       json.RawMessage(`{"firstName":"Ayşe","lastName":"Kaya"}`))
	Save(ctx context.Context, kind string, payload json.RawMessage) (*record.Record, error)

	// Update merges patch into the stored entity and queues a full
	// update on the backend.
	//
	// The patch is a JSON object; its top-level fields overwrite the
	// corresponding fields of the stored payload. Updating promotes a
	// cached server copy to a locally owned record, so a pending edit
	// can never be expired away by the cache.
	//
	// Returns a storage error wrapping ErrNotFound when no live record
	// has this id.
	//
	// Example:
	//   rec, err := eng.Update(ctx, "patients", "pat-42",
	//       json.RawMessage(`{"phone":"+90 532 111 2233"}`))
	Update(ctx context.Context, kind, id string, patch json.RawMessage) (*record.Record, error)

	// Delete removes the entity locally and queues its deletion on the
	// backend. The local row disappears immediately; the queued
	// operation keeps the deletion durable until acknowledged.
	//
	// Returns a storage error wrapping ErrNotFound when no record has
	// this id.
	Delete(ctx context.Context, kind, id string) error

	// Get returns the entity with this id, or (nil, nil) when it is
	// absent or its cache entry has expired. Expired entries are
	// purged lazily on access.
	Get(ctx context.Context, kind, id string) (*record.Record, error)

	// GetAll returns every live entity of a kind, newest first.
	GetAll(ctx context.Context, kind string) ([]*record.Record, error)

	// Search filters a kind by free text over its lookup fields, exact
	// field values and sync status, with offset/limit pagination.
	//
	// Example:
	//   res, err := eng.Search(ctx, "patients", cache.SearchQuery{Text: "kaya"})
	Search(ctx context.Context, kind string, q cache.SearchQuery) (*cache.SearchResult, error)

	// CacheRemote bulk-stores server copies of a kind as TTL cache
	// entries, enforcing the kind's size cap. Used to pre-warm the
	// device from search screens; sync passes maintain the cache on
	// their own.
	CacheRemote(ctx context.Context, kind string, recs []*record.Record, opts cache.Options) error

	// SyncNow runs one sync pass and reports what it did. The pass is
	// skipped (not an error) while offline or while another pass is
	// already running.
	SyncNow(ctx context.Context) (*SyncReport, error)

	// Status snapshots connectivity, queue depth and storage figures
	// for display.
	Status(ctx context.Context) (*Status, error)

	// AddListener registers fn to run after local data changes. It
	// returns a handle for RemoveListener.
	AddListener(fn func()) int

	// RemoveListener drops a listener registered with AddListener.
	RemoveListener(id int)

	// Close flushes and closes the underlying store. The engine must
	// not be used afterwards.
	Close() error
}

// Backend is the remote surface a sync pass drives. Implemented by
// remote.Client.
type Backend interface {
	outbox.Sender
	PullPage(ctx context.Context, endpoint, cursor string) (*remote.Page, error)
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	// Skipped is true when the pass did not run; Reason says why.
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`

	// Recovered counts operations returned to the queue after being
	// stranded mid-send by a crash.
	Recovered int `json:"recovered"`

	Drained outbox.Result `json:"drained"`

	// Pulled counts records received from the backend; Merged counts
	// those that replaced or created a local row.
	Pulled int `json:"pulled"`
	Merged int `json:"merged"`

	Duration time.Duration `json:"duration"`
}

// Status is a point-in-time snapshot for status displays.
type Status struct {
	Online   bool   `json:"online"`
	Syncing  bool   `json:"syncing"`
	DeviceID string `json:"deviceId"`

	LastSyncAt    time.Time `json:"lastSyncAt"`
	TotalEntities int       `json:"totalEntities"`
	PendingOps    int       `json:"pendingOps"`
	FailedOps     int       `json:"failedOps"`

	DBSizeBytes   int64  `json:"dbSizeBytes"`
	DiskFreeBytes uint64 `json:"diskFreeBytes"`
}
