// Package cache implements the read path of the offline engine: TTL
// shadow management on top of the durable store.
//
// Reads never touch the network. A lookup first serves any full locally
// owned entity; otherwise it consults the TTL-tagged shadow copy pulled
// from the clinic API. Expired shadows are treated as absent and purged
// lazily on access. Read-path problems degrade to absence instead of
// surfacing errors: an offline clinic desk with a damaged row is better
// served by "not found locally" than a hard failure.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/metrics"
	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

// Cache layers TTL semantics over the durable store.
type Cache struct {
	store   *store.Store
	metrics *metrics.Metrics
	logger  *log.Logger
}

// Options tunes one CacheMany call. Zero values fall back to the kind
// catalog's TTL and cap.
type Options struct {
	TTL      time.Duration
	MaxSize  int
	Priority int // 0-4, recorded on each cached shadow
}

// New creates a cache over the given store.
// If logger is nil, logs go to stderr.
func New(st *store.Store, m *metrics.Metrics, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Cache{store: st, metrics: m, logger: logger}
}

// CacheMany bulk-writes server records as TTL shadows and then enforces
// the size cap by evicting the oldest-updated shadows.
//
// CacheMany stamps bookkeeping only; it does not run the merge guard.
// Callers mirroring server state over possibly-edited records go through
// the sync coordinator, which checks for unacked local operations first.
func (c *Cache) CacheMany(ctx context.Context, kind string, recs []*record.Record, opts Options) error {
	k, ok := c.store.Catalog().Get(kind)
	if !ok {
		return unknownKindError(kind)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = k.TTL.Std()
	}
	limit := opts.MaxSize
	if limit <= 0 {
		limit = k.CacheCap
	}

	expiry := time.Now().Add(ttl)
	for _, rec := range recs {
		shadow := *rec
		shadow.Kind = kind
		shadow.ExpiresAt = &expiry
		shadow.Priority = opts.Priority
		if shadow.SyncStatus == "" {
			shadow.SyncStatus = record.StatusSynced
		}
		if err := c.store.PutRecordContext(ctx, &shadow); err != nil {
			return err
		}
	}

	_, err := c.evictOver(ctx, kind, limit)
	return err
}

// GetCached returns the live local record for kind/id, or nil when the
// engine holds nothing usable. Full entities are served as-is; shadows
// are served while fresh and purged lazily once expired. Storage
// problems on this path are logged and reported as absence.
func (c *Cache) GetCached(ctx context.Context, kind, id string) (*record.Record, error) {
	if _, ok := c.store.Catalog().Get(kind); !ok {
		return nil, unknownKindError(kind)
	}

	rec, err := c.store.GetRecordContext(ctx, kind, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Printf("Warning: read of %s/%s degraded to absent: %v", kind, id, err)
		}
		c.metrics.CacheMisses.WithLabelValues(kind).Inc()
		return nil, nil
	}

	if rec.Expired(time.Now()) {
		// Lazy purge: the expired shadow is deleted on access.
		if err := c.store.DeleteRecordContext(ctx, kind, id); err != nil {
			c.logger.Printf("Warning: failed to purge expired shadow %s/%s: %v", kind, id, err)
		}
		c.metrics.CacheMisses.WithLabelValues(kind).Inc()
		return nil, nil
	}

	c.metrics.CacheHits.WithLabelValues(kind).Inc()
	return rec, nil
}

// Optimize purges expired shadows and then evicts the oldest-updated
// ones down to the kind's hard cap. Returns the number of rows removed.
func (c *Cache) Optimize(ctx context.Context, kind string) (int, error) {
	k, ok := c.store.Catalog().Get(kind)
	if !ok {
		return 0, unknownKindError(kind)
	}

	removed, err := c.store.DeleteExpiredContext(ctx, kind, time.Now())
	if err != nil {
		return removed, err
	}

	evicted, err := c.evictOver(ctx, kind, k.CacheCap)
	return removed + evicted, err
}

// Clear removes every shadow of a kind. Full entities, including records
// with queued local edits, are untouched.
func (c *Cache) Clear(ctx context.Context, kind string) (int, error) {
	if _, ok := c.store.Catalog().Get(kind); !ok {
		return 0, unknownKindError(kind)
	}
	return c.store.DeleteShadowsContext(ctx, kind)
}

// ClearAll removes the shadows of every kind in the catalog.
func (c *Cache) ClearAll(ctx context.Context) (int, error) {
	var total int
	for _, kind := range c.store.Catalog().Names() {
		n, err := c.store.DeleteShadowsContext(ctx, kind)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Cache) evictOver(ctx context.Context, kind string, limit int) (int, error) {
	count, err := c.store.ShadowCountContext(ctx, kind)
	if err != nil {
		return 0, err
	}
	if count <= limit {
		return 0, nil
	}

	evicted, err := c.store.DeleteOldestShadowsContext(ctx, kind, count-limit)
	if err != nil {
		return evicted, err
	}
	if evicted > 0 {
		c.metrics.Evictions.WithLabelValues(kind).Add(float64(evicted))
		c.logger.Printf("evicted %d %s shadows over cap %d", evicted, kind, limit)
	}
	return evicted, nil
}

func unknownKindError(kind string) error {
	return fmt.Errorf("%w %q", kinds.ErrUnknown, kind)
}
