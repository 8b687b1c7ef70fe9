package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omrozmn/x-ear-sub010/internal/cache"
	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/metrics"
	"github.com/omrozmn/x-ear-sub010/internal/netmon"
	"github.com/omrozmn/x-ear-sub010/internal/notify"
	"github.com/omrozmn/x-ear-sub010/internal/outbox"
	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

// Config tunes engine behavior.
type Config struct {
	// MaxPullPages caps pages pulled per kind per pass, as a safety
	// valve against a runaway cursor.
	MaxPullPages int

	// Drain tunes the outbox drain phase.
	Drain *outbox.Config
}

// DefaultConfig returns engine settings suitable for a clinic device.
func DefaultConfig() *Config {
	return &Config{
		MaxPullPages: 50,
		Drain:        outbox.DefaultConfig(),
	}
}

// engine implements the Engine interface.
type engine struct {
	store    *store.Store
	catalog  *kinds.Catalog
	cache    *cache.Cache
	drainer  *outbox.Drainer
	backend  Backend
	monitor  *netmon.Monitor
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *log.Logger

	maxPullPages int
	closed       atomic.Bool
}

// New assembles an engine over an opened store with its schema
// initialized. The engine registers itself with the monitor so each
// offline to online transition triggers one background sync pass.
//
// A nil cfg uses DefaultConfig; nil metrics get a private registry; a
// nil logger logs to stderr.
//
// Example:
//
//	st, err := store.Open(dbPath, catalog)
//	if err != nil {
//	    return err
//	}
//	if err := st.InitSchema(); err != nil {
//	    return err
//	}
//	client, err := remote.New(remoteCfg)
//	if err != nil {
//	    return err
//	}
//	mon := netmon.New(true, nil)
//	eng, err := engine.New(st, client, mon, nil, nil, nil)
func New(st *store.Store, backend Backend, mon *netmon.Monitor, cfg *Config, m *metrics.Metrics, logger *log.Logger) (Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if mon == nil {
		return nil, fmt.Errorf("connectivity monitor is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	maxPages := cfg.MaxPullPages
	if maxPages <= 0 {
		maxPages = 50
	}

	e := &engine{
		store:        st,
		catalog:      st.Catalog(),
		cache:        cache.New(st, m, logger),
		drainer:      outbox.New(st, backend, cfg.Drain, m, logger),
		backend:      backend,
		monitor:      mon,
		notifier:     notify.New(m, logger),
		metrics:      m,
		logger:       logger,
		maxPullPages: maxPages,
	}
	mon.OnOnline(e.triggerBackgroundPass)
	return e, nil
}

// Save implements Engine.Save.
func (e *engine) Save(ctx context.Context, kind string, payload json.RawMessage) (*record.Record, error) {
	k, ok := e.catalog.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w %q", kinds.ErrUnknown, kind)
	}
	id, payload, err := ensureID(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &record.Record{
		ID:         id,
		Kind:       kind,
		Payload:    payload,
		SyncStatus: record.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// A save over an existing id is a full replace; the backend gets
	// an update instead of a duplicate create.
	method := record.MethodPost
	endpoint := k.Endpoint
	if existing, err := e.store.GetRecordContext(ctx, kind, id); err == nil {
		method = record.MethodPut
		endpoint = entityEndpoint(k, id)
		rec.CreatedAt = existing.CreatedAt
		rec.Priority = existing.Priority
	}

	op := e.newOp(kind, id, method, endpoint, payload, rec.Priority)
	if err := e.store.EnqueueWriteContext(ctx, rec, op); err != nil {
		return nil, err
	}
	e.notifier.Notify()
	return rec, nil
}

// Update implements Engine.Update.
func (e *engine) Update(ctx context.Context, kind, id string, patch json.RawMessage) (*record.Record, error) {
	k, ok := e.catalog.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w %q", kinds.ErrUnknown, kind)
	}
	existing, err := e.store.GetRecordContext(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if existing.Expired(time.Now()) {
		// The cached copy aged out; the caller must re-fetch before
		// editing stale state.
		return nil, fmt.Errorf("record %s/%s: %w", kind, id, store.ErrNotFound)
	}

	merged, err := mergePatch(existing.Payload, patch, id)
	if err != nil {
		return nil, err
	}

	rec := &record.Record{
		ID:         id,
		Kind:       kind,
		Payload:    merged,
		SyncStatus: record.StatusPending,
		CreatedAt:  existing.CreatedAt,
		UpdatedAt:  time.Now().UTC(),
		// ExpiresAt stays nil: editing promotes a cached copy to a
		// locally owned record that the cache may never evict.
		Priority: existing.Priority,
	}

	op := e.newOp(kind, id, record.MethodPut, entityEndpoint(k, id), merged, rec.Priority)
	if err := e.store.EnqueueWriteContext(ctx, rec, op); err != nil {
		return nil, err
	}
	e.notifier.Notify()
	return rec, nil
}

// Delete implements Engine.Delete.
func (e *engine) Delete(ctx context.Context, kind, id string) error {
	k, ok := e.catalog.Get(kind)
	if !ok {
		return fmt.Errorf("%w %q", kinds.ErrUnknown, kind)
	}
	if _, err := e.store.GetRecordContext(ctx, kind, id); err != nil {
		return err
	}

	op := e.newOp(kind, id, record.MethodDelete, entityEndpoint(k, id), nil, 0)
	if err := e.store.EnqueueDeleteContext(ctx, kind, id, op); err != nil {
		return err
	}
	e.notifier.Notify()
	return nil
}

// Get implements Engine.Get.
func (e *engine) Get(ctx context.Context, kind, id string) (*record.Record, error) {
	return e.cache.GetCached(ctx, kind, id)
}

// GetAll implements Engine.GetAll.
func (e *engine) GetAll(ctx context.Context, kind string) ([]*record.Record, error) {
	if _, ok := e.catalog.Get(kind); !ok {
		return nil, fmt.Errorf("%w %q", kinds.ErrUnknown, kind)
	}
	recs, err := e.store.GetAllRecordsContext(ctx, kind)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	live := recs[:0]
	for _, rec := range recs {
		if rec.Expired(now) {
			continue
		}
		live = append(live, rec)
	}
	return live, nil
}

// Search implements Engine.Search.
func (e *engine) Search(ctx context.Context, kind string, q cache.SearchQuery) (*cache.SearchResult, error) {
	return e.cache.Search(ctx, kind, q)
}

// CacheRemote implements Engine.CacheRemote.
func (e *engine) CacheRemote(ctx context.Context, kind string, recs []*record.Record, opts cache.Options) error {
	if err := e.cache.CacheMany(ctx, kind, recs, opts); err != nil {
		return err
	}
	e.notifier.Notify()
	return nil
}

// AddListener implements Engine.AddListener.
func (e *engine) AddListener(fn func()) int {
	return e.notifier.Add(fn)
}

// RemoveListener implements Engine.RemoveListener.
func (e *engine) RemoveListener(id int) {
	e.notifier.Remove(id)
}

// Close implements Engine.Close.
func (e *engine) Close() error {
	e.closed.Store(true)
	return e.store.Close()
}

// triggerBackgroundPass runs one pass off the caller's goroutine.
// Used for the monitor's offline to online transition.
func (e *engine) triggerBackgroundPass() {
	if e.closed.Load() {
		return
	}
	go func() {
		if _, err := e.SyncNow(context.Background()); err != nil {
			e.logger.Printf("Warning: background sync pass failed: %v", err)
		}
	}()
}

func (e *engine) newOp(kind, entityID string, method record.Method, endpoint string, payload json.RawMessage, priority int) *record.Operation {
	return &record.Operation{
		ID:       uuid.NewString(),
		Kind:     kind,
		EntityID: entityID,
		Method:   method,
		Endpoint: endpoint,
		Payload:  payload,
		Priority: priority,
	}
}

func entityEndpoint(k kinds.Kind, id string) string {
	return k.Endpoint + "/" + url.PathEscape(id)
}

// ensureID returns the payload's entity id, minting one into the
// payload when absent.
func ensureID(payload json.RawMessage) (string, json.RawMessage, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if id, ok := fields["id"].(string); ok && id != "" {
		return id, payload, nil
	}
	id := uuid.NewString()
	fields["id"] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("encode payload: %w", err)
	}
	return id, out, nil
}

// mergePatch overlays patch's top-level fields onto base and pins the
// entity id.
func mergePatch(base, patch json.RawMessage, id string) (json.RawMessage, error) {
	merged := map[string]interface{}{}
	if len(base) > 0 {
		// An undecodable stored payload starts fresh rather than
		// blocking the edit.
		_ = json.Unmarshal(base, &merged)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	for key, value := range fields {
		merged[key] = value
	}
	merged["id"] = id
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged payload: %w", err)
	}
	return out, nil
}
