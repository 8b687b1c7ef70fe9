package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/remote"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

// SyncNow implements Engine.SyncNow.
//
// The pass holds the sync latch from first to last phase, so a second
// trigger while one is running reports itself skipped. Offline passes
// are skipped before touching the latch; queued writes simply wait
// for connectivity.
func (e *engine) SyncNow(ctx context.Context) (*SyncReport, error) {
	if !e.monitor.IsOnline() {
		e.metrics.SyncPasses.WithLabelValues("skipped_offline").Inc()
		return &SyncReport{Skipped: true, Reason: "offline"}, nil
	}
	if !e.monitor.TryBeginSync() {
		e.metrics.SyncPasses.WithLabelValues("skipped_running").Inc()
		return &SyncReport{Skipped: true, Reason: "sync already running"}, nil
	}
	defer e.monitor.EndSync()

	start := time.Now()
	report := &SyncReport{}

	// Phase 1: operations stranded in sending by a crash re-enter the
	// queue with their original idempotency keys.
	recovered, err := e.drainer.Recover(ctx)
	if err != nil {
		e.metrics.SyncPasses.WithLabelValues("error").Inc()
		return report, fmt.Errorf("recover stranded operations: %w", err)
	}
	report.Recovered = recovered

	// Phase 2: drain local writes to the backend.
	drained, err := e.drainer.Drain(ctx)
	if drained != nil {
		report.Drained = *drained
	}
	if err != nil {
		e.metrics.SyncPasses.WithLabelValues("error").Inc()
		return report, fmt.Errorf("drain outbox: %w", err)
	}

	// Phases 3 and 4: pull remote pages and reconcile them. A pull
	// failure aborts the pass; what the drain accomplished stands.
	pulled, merged, pullErr := e.pullAll(ctx)
	report.Pulled = pulled
	report.Merged = merged

	report.Duration = time.Since(start)
	e.metrics.SyncDuration.Observe(report.Duration.Seconds())

	if pullErr != nil {
		e.metrics.SyncPasses.WithLabelValues("pull_failed").Inc()
		e.logger.Printf("Warning: sync pass aborted during pull: %v", pullErr)
		return report, pullErr
	}

	// Final phase: one metadata write per completed pass.
	if err := e.writeSyncMetadata(ctx); err != nil {
		e.logger.Printf("Warning: sync metadata not updated: %v", err)
	}

	e.metrics.SyncPasses.WithLabelValues("completed").Inc()
	e.logger.Printf("sync pass done: drained %d, pulled %d, merged %d in %s",
		report.Drained.Acked, report.Pulled, report.Merged,
		report.Duration.Round(time.Millisecond))

	if report.Drained.Acked > 0 || report.Drained.Failed > 0 || report.Merged > 0 {
		e.notifier.Notify()
	}
	return report, nil
}

// Status implements Engine.Status.
func (e *engine) Status(ctx context.Context) (*Status, error) {
	md, err := e.store.GetSyncMetadata(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := e.store.OutboxStatsContext(ctx)
	if err != nil {
		return nil, err
	}
	total, err := e.store.CountAllRecordsContext(ctx)
	if err != nil {
		return nil, err
	}
	device, err := e.store.DeviceIDContext(ctx)
	if err != nil {
		return nil, err
	}
	size, err := e.store.SizeBytes()
	if err != nil {
		return nil, err
	}
	free, err := e.store.DiskFree()
	if err != nil {
		e.logger.Printf("Warning: disk free unavailable: %v", err)
	}
	return &Status{
		Online:        e.monitor.IsOnline(),
		Syncing:       e.monitor.IsSyncing(),
		DeviceID:      device,
		LastSyncAt:    md.LastSyncAt,
		TotalEntities: total,
		PendingOps:    stats.Pending,
		FailedOps:     stats.Failed,
		DBSizeBytes:   size,
		DiskFreeBytes: free,
	}, nil
}

// pullAll pulls and reconciles every kind in catalog order. The first
// failure aborts so the next pass resumes from scratch; pulls are
// idempotent reads.
func (e *engine) pullAll(ctx context.Context) (pulled, merged int, err error) {
	for _, name := range e.catalog.Names() {
		k, _ := e.catalog.Get(name)
		p, m, err := e.pullKind(ctx, name, k)
		pulled += p
		merged += m
		if err != nil {
			return pulled, merged, err
		}
	}
	return pulled, merged, nil
}

func (e *engine) pullKind(ctx context.Context, name string, k kinds.Kind) (int, int, error) {
	pulled, merged := 0, 0
	cursor := ""
	for page := 0; page < e.maxPullPages; page++ {
		pg, err := e.backend.PullPage(ctx, k.Endpoint, cursor)
		if err != nil {
			return pulled, merged, fmt.Errorf("pull %s: %w", name, err)
		}
		pulled += len(pg.Records)
		e.metrics.RecordsPulled.Add(float64(len(pg.Records)))

		for _, pr := range pg.Records {
			won, err := e.reconcile(ctx, name, k, pr)
			if err != nil {
				return pulled, merged, fmt.Errorf("reconcile %s/%s: %w", name, pr.ID, err)
			}
			if won {
				merged++
			}
		}

		if !pg.HasNext || pg.NextCursor == "" {
			// Keep the kind's cache inside its cap now that fresh
			// shadows landed.
			if _, err := e.cache.Optimize(ctx, name); err != nil {
				e.logger.Printf("Warning: cache optimize for %s failed: %v", name, err)
			}
			return pulled, merged, nil
		}
		cursor = pg.NextCursor
	}
	e.logger.Printf("Warning: %s pull stopped at the %d page cap", name, e.maxPullPages)
	return pulled, merged, nil
}

// reconcile applies one pulled record. The remote copy wins only when
// it is strictly newer than the local one and no local operation for
// the entity is still unacknowledged; a failed operation counts as
// unacknowledged so a rejected edit is preserved for the user instead
// of being silently clobbered.
func (e *engine) reconcile(ctx context.Context, kindName string, k kinds.Kind, pr remote.PulledRecord) (bool, error) {
	if pr.UpdatedAt.IsZero() {
		// Without a timestamp the record cannot take part in
		// last-writer-wins; leave whatever is local alone.
		e.logger.Printf("Warning: pulled %s/%s has no updatedAt, skipping", kindName, pr.ID)
		return false, nil
	}

	unacked, err := e.store.UnackedCountForEntityContext(ctx, kindName, pr.ID)
	if err != nil {
		return false, err
	}
	if unacked > 0 {
		// A local edit or deletion is in flight. This also stops a
		// pull from resurrecting a row removed by a pending delete.
		return false, nil
	}

	local, err := e.store.GetRecordContext(ctx, kindName, pr.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if local != nil && !pr.UpdatedAt.After(local.UpdatedAt) {
		return false, nil
	}

	rec := &record.Record{
		ID:         pr.ID,
		Kind:       kindName,
		Payload:    pr.Body,
		SyncStatus: record.StatusSynced,
		UpdatedAt:  pr.UpdatedAt,
	}
	expires := time.Now().UTC().Add(k.TTL.Std())
	rec.ExpiresAt = &expires
	if local != nil {
		rec.CreatedAt = local.CreatedAt
		rec.Priority = local.Priority
		if local.ExpiresAt == nil {
			// A locally owned record stays owned; only its content
			// refreshes.
			rec.ExpiresAt = nil
		}
	}
	if err := e.store.PutRecordContext(ctx, rec); err != nil {
		return false, err
	}
	e.metrics.RecordsMerged.Inc()
	return true, nil
}

func (e *engine) writeSyncMetadata(ctx context.Context) error {
	total, err := e.store.CountAllRecordsContext(ctx)
	if err != nil {
		return err
	}
	stats, err := e.store.OutboxStatsContext(ctx)
	if err != nil {
		return err
	}
	return e.store.SetSyncMetadata(ctx, record.SyncMetadata{
		LastSyncAt:            time.Now().UTC(),
		TotalEntities:         total,
		PendingOperationCount: stats.Pending,
	})
}
