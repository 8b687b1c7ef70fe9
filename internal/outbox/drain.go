// Package outbox drains queued write operations to the clinic backend.
//
// Operations for the same entity are sent strictly in enqueue order:
// an update must not overtake the create it depends on. Operations for
// different entities have no ordering relationship, so the drainer
// runs one lane per entity with bounded concurrency.
//
// A transient failure parks the operation with an exponential backoff
// gate and halts its lane for the pass; everything behind it waits. A
// permanent rejection parks the operation as failed, flips the record
// to the failed status for the user to resolve, and lets the rest of
// the lane proceed on its own merits.
package outbox

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omrozmn/x-ear-sub010/internal/metrics"
	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/remote"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

// Sender submits one operation to the backend. Implemented by
// remote.Client; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, op *record.Operation) error
}

// Config tunes a drain pass.
type Config struct {
	// MaxLanes bounds how many entity lanes drain concurrently.
	MaxLanes int

	// BatchLimit caps how many queued operations one pass considers.
	BatchLimit int

	// BaseRetryDelay gates the first retry after a transient failure.
	// Each further retry doubles the gate up to MaxRetryDelay.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// DefaultConfig returns drain settings suitable for a clinic device.
func DefaultConfig() *Config {
	return &Config{
		MaxLanes:       4,
		BatchLimit:     500,
		BaseRetryDelay: 2 * time.Second,
		MaxRetryDelay:  5 * time.Minute,
	}
}

// Drainer applies drain policy on top of the durable queue.
type Drainer struct {
	store     *store.Store
	sender    Sender
	lanes     int
	batch     int
	baseDelay time.Duration
	maxDelay  time.Duration
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// New creates a drainer. A nil cfg uses DefaultConfig; a nil logger
// logs to stderr.
func New(st *store.Store, sender Sender, cfg *Config, m *metrics.Metrics, logger *log.Logger) *Drainer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	lanes := cfg.MaxLanes
	if lanes <= 0 {
		lanes = 4
	}
	batch := cfg.BatchLimit
	if batch <= 0 {
		batch = 500
	}
	baseDelay := cfg.BaseRetryDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	maxDelay := cfg.MaxRetryDelay
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Drainer{
		store:     st,
		sender:    sender,
		lanes:     lanes,
		batch:     batch,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		metrics:   m,
		logger:    logger,
	}
}

// Result summarizes one drain pass.
type Result struct {
	Attempted int
	Acked     int
	Requeued  int
	Failed    int
}

func (r *Result) add(other Result) {
	r.Attempted += other.Attempted
	r.Acked += other.Acked
	r.Requeued += other.Requeued
	r.Failed += other.Failed
}

// Drain sends queued operations, one lane per entity. It returns an
// error only for storage or context failures; send failures are
// policy outcomes reported through the Result.
func (d *Drainer) Drain(ctx context.Context) (*Result, error) {
	ops, err := d.store.ListOperationsContext(ctx, record.OpQueued, d.batch)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if len(ops) == 0 {
		d.publishDepth(ctx)
		return res, nil
	}

	now := time.Now().UTC()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.lanes)
	for _, lane := range groupLanes(ops) {
		lane := lane
		g.Go(func() error {
			laneRes, err := d.drainLane(gctx, lane, now)
			mu.Lock()
			res.add(laneRes)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	d.publishDepth(ctx)
	return res, nil
}

// Recover returns operations stranded in sending by a crash to the
// queue. Call once at startup before the first drain; the original
// idempotency keys make the re-send safe.
func (d *Drainer) Recover(ctx context.Context) (int, error) {
	return d.store.ResetSendingContext(ctx)
}

// Stats reports current queue depth.
func (d *Drainer) Stats(ctx context.Context) (store.OutboxStats, error) {
	return d.store.OutboxStatsContext(ctx)
}

func (d *Drainer) drainLane(ctx context.Context, lane []*record.Operation, now time.Time) (Result, error) {
	var res Result
	for _, op := range lane {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if op.NextAttemptAt.After(now) {
			// An earlier write for this entity is resting in backoff.
			// Everything behind it waits to keep per-entity order.
			return res, nil
		}
		if err := d.store.MarkSendingContext(ctx, op.ID); err != nil {
			return res, err
		}
		res.Attempted++

		sendErr := d.sender.Send(ctx, op)
		switch {
		case sendErr == nil:
			if err := d.ack(ctx, op); err != nil {
				return res, err
			}
			res.Acked++
			d.metrics.OpsDrained.WithLabelValues("acked").Inc()

		case remote.IsValidation(sendErr):
			if err := d.reject(ctx, op, sendErr); err != nil {
				return res, err
			}
			res.Failed++
			d.metrics.OpsDrained.WithLabelValues("failed").Inc()
			d.logger.Printf("Warning: %s %s rejected by server: %v", op.Method, op.Endpoint, sendErr)

		default:
			delay := d.retryDelay(op.RetryCount)
			if err := d.store.RequeueContext(ctx, op.ID, sendErr.Error(), now.Add(delay)); err != nil {
				return res, err
			}
			res.Requeued++
			d.metrics.OpsDrained.WithLabelValues("requeued").Inc()
			d.logger.Printf("%s %s deferred for %s: %v", op.Method, op.Endpoint, delay.Round(time.Millisecond), sendErr)
			return res, nil
		}
	}
	return res, nil
}

// ack marks the operation acknowledged and flips its record to synced
// once no pending operations remain for the entity.
func (d *Drainer) ack(ctx context.Context, op *record.Operation) error {
	if err := d.store.MarkAckedContext(ctx, op.ID); err != nil {
		return err
	}
	if op.Method == record.MethodDelete {
		return nil
	}
	pending, err := d.store.PendingCountForEntityContext(ctx, op.Kind, op.EntityID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	err = d.store.SetRecordStatusContext(ctx, op.Kind, op.EntityID, record.StatusSynced)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// reject parks the operation as failed and marks the record so the
// user can see the entity needs attention. The operation stays in the
// queue table for inspection but never retries on its own.
func (d *Drainer) reject(ctx context.Context, op *record.Operation, cause error) error {
	if err := d.store.MarkFailedContext(ctx, op.ID, cause.Error()); err != nil {
		return err
	}
	if op.Method == record.MethodDelete {
		return nil
	}
	err := d.store.SetRecordStatusContext(ctx, op.Kind, op.EntityID, record.StatusFailed)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (d *Drainer) retryDelay(retryCount int) time.Duration {
	delay := d.baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	return delay
}

func (d *Drainer) publishDepth(ctx context.Context) {
	stats, err := d.store.OutboxStatsContext(ctx)
	if err != nil {
		d.logger.Printf("Warning: outbox depth unavailable: %v", err)
		return
	}
	d.metrics.OutboxDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	d.metrics.OutboxDepth.WithLabelValues("failed").Set(float64(stats.Failed))
}

// groupLanes splits queued operations into per-entity lanes, keeping
// enqueue order inside each lane. Lanes are ordered by the priority of
// their head operation so urgent entities start draining first.
func groupLanes(ops []*record.Operation) [][]*record.Operation {
	index := make(map[string]int)
	var lanes [][]*record.Operation
	for _, op := range ops {
		key := op.Kind + "/" + op.EntityID
		i, ok := index[key]
		if !ok {
			i = len(lanes)
			index[key] = i
			lanes = append(lanes, nil)
		}
		lanes[i] = append(lanes[i], op)
	}
	sort.SliceStable(lanes, func(a, b int) bool {
		return lanes[a][0].Priority < lanes[b][0].Priority
	})
	return lanes
}
