package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/record"
)

// seqQuery allocates the next value of the per-device monotonic counter
// used for idempotency keys. Runs inside the enqueue transaction.
const seqQuery = `
INSERT INTO meta (key, value) VALUES ('op_seq', '1')
ON CONFLICT(key) DO UPDATE SET value = CAST(value AS INTEGER) + 1
RETURNING CAST(value AS INTEGER)`

// EnqueueWriteContext applies a local write and appends its outbox
// operation in one transaction: the record row is upserted with
// sync_status=pending and the operation is inserted with a freshly
// minted idempotency key. The queue entry is durable before the caller
// ever sees success.
//
// The operation's IdempotencyKey and status fields are filled in here;
// callers provide kind, entity, method, endpoint and payload.
func (s *Store) EnqueueWriteContext(ctx context.Context, rec *record.Record, op *record.Operation) error {
	return s.enqueue(ctx, rec, "", op)
}

// EnqueueDeleteContext removes the local record and appends its DELETE
// operation in one transaction.
func (s *Store) EnqueueDeleteContext(ctx context.Context, kind, id string, op *record.Operation) error {
	return s.enqueue(ctx, nil, kind, op)
}

func (s *Store) enqueue(ctx context.Context, rec *record.Record, deleteKind string, op *record.Operation) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin enqueue transaction", err)
	}
	defer tx.Rollback()

	// Allocate the monotonic sequence and mint the key.
	var seq int64
	if err := tx.QueryRowContext(ctx, seqQuery).Scan(&seq); err != nil {
		return storageErr("allocate operation sequence", err)
	}

	deviceID, err := deviceIDTx(ctx, tx)
	if err != nil {
		return err
	}

	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	op.IdempotencyKey = record.IdempotencyKey(deviceID, op.EntityID, op.Method, seq)
	op.Status = record.OpQueued
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	// Apply the local side of the write.
	if rec != nil {
		if _, ok := s.catalog.Get(rec.Kind); !ok {
			return fmt.Errorf("unknown kind %q", rec.Kind)
		}
		rec.SyncStatus = record.StatusPending
		if err := putRecordExec(ctx, tx, rec); err != nil {
			return err
		}
	} else {
		if _, ok := s.catalog.Get(deleteKind); !ok {
			return fmt.Errorf("unknown kind %q", deleteKind)
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", recordTable(deleteKind))
		if _, err := tx.ExecContext(ctx, query, op.EntityID); err != nil {
			return storageErr("delete record for enqueue", err)
		}
	}

	insert := `
	INSERT INTO outbox (
		id, kind, entity_id, method, endpoint, payload,
		idempotency_key, priority, status, retry_count,
		last_error, enqueued_at, next_attempt_at, seq
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, NULL, ?)
	`
	_, err = tx.ExecContext(ctx, insert,
		op.ID,
		op.Kind,
		op.EntityID,
		string(op.Method),
		op.Endpoint,
		string(op.Payload),
		op.IdempotencyKey,
		op.Priority,
		string(op.Status),
		sqlTime(op.EnqueuedAt),
		seq,
	)
	if err != nil {
		return storageErr("append outbox operation", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit enqueue transaction", err)
	}
	return nil
}

// ImportOperationContext inserts an operation carried over from
// another device, keeping its original idempotency key so a mutation
// the old device already submitted is deduplicated server-side. A
// fresh sequence slot is allocated for local FIFO ordering; callers
// insert in the exported order.
func (s *Store) ImportOperationContext(ctx context.Context, op *record.Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin import transaction", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, seqQuery).Scan(&seq); err != nil {
		return storageErr("allocate operation sequence", err)
	}

	// OR IGNORE covers both the id and the idempotency-key constraint,
	// so re-importing the same snapshot is a no-op.
	insert := `
	INSERT OR IGNORE INTO outbox (
		id, kind, entity_id, method, endpoint, payload,
		idempotency_key, priority, status, retry_count,
		last_error, enqueued_at, next_attempt_at, seq
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`
	_, err = tx.ExecContext(ctx, insert,
		op.ID,
		op.Kind,
		op.EntityID,
		string(op.Method),
		op.Endpoint,
		string(op.Payload),
		op.IdempotencyKey,
		op.Priority,
		string(op.Status),
		op.RetryCount,
		op.LastError,
		sqlTime(op.EnqueuedAt),
		seq,
	)
	if err != nil {
		return storageErr("import outbox operation", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit import transaction", err)
	}
	return nil
}

// DueOperationsContext returns queued operations eligible to send at
// now, ordered by priority then enqueue sequence. Limit 0 means no limit.
func (s *Store) DueOperationsContext(ctx context.Context, now time.Time, limit int) ([]*record.Operation, error) {
	query := `
	SELECT id, kind, entity_id, method, endpoint, payload,
	       idempotency_key, priority, status, retry_count,
	       last_error, enqueued_at, next_attempt_at
	FROM outbox
	WHERE status = 'queued'
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY priority ASC, seq ASC
	`
	args := []interface{}{sqlTime(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query due operations", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ListOperationsContext returns operations in the given status, oldest
// first. Limit 0 means no limit.
func (s *Store) ListOperationsContext(ctx context.Context, status record.OpStatus, limit int) ([]*record.Operation, error) {
	query := `
	SELECT id, kind, entity_id, method, endpoint, payload,
	       idempotency_key, priority, status, retry_count,
	       last_error, enqueued_at, next_attempt_at
	FROM outbox
	WHERE status = ?
	ORDER BY seq ASC
	`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list operations", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// MarkSendingContext moves a queued operation to sending.
func (s *Store) MarkSendingContext(ctx context.Context, opID string) error {
	return s.setOpStatus(ctx, opID, record.OpSending, "")
}

// MarkAckedContext records a server acknowledgement.
func (s *Store) MarkAckedContext(ctx context.Context, opID string) error {
	return s.setOpStatus(ctx, opID, record.OpAcked, "")
}

// MarkFailedContext parks an operation after a permanent rejection.
// The operation is retained for inspection and excluded from retries.
func (s *Store) MarkFailedContext(ctx context.Context, opID, cause string) error {
	return s.setOpStatus(ctx, opID, record.OpFailed, cause)
}

func (s *Store) setOpStatus(ctx context.Context, opID string, status record.OpStatus, cause string) error {
	query := `UPDATE outbox SET status = ?, last_error = ? WHERE id = ?`
	res, err := s.conn.ExecContext(ctx, query, string(status), cause, opID)
	if err != nil {
		return storageErr("update operation status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	return nil
}

// RequeueContext returns a sending operation to the queue after a
// transient failure, bumping its retry count and recording when it may
// next be attempted.
func (s *Store) RequeueContext(ctx context.Context, opID, cause string, nextAttempt time.Time) error {
	query := `
	UPDATE outbox
	SET status = 'queued', retry_count = retry_count + 1,
	    last_error = ?, next_attempt_at = ?
	WHERE id = ?
	`
	res, err := s.conn.ExecContext(ctx, query, cause, sqlTime(nextAttempt), opID)
	if err != nil {
		return storageErr("requeue operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	return nil
}

// ResetSendingContext returns every sending operation to queued. Called
// on startup so operations stranded by a crash re-enter the next drain
// with their original idempotency keys.
func (s *Store) ResetSendingContext(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE outbox SET status = 'queued' WHERE status = 'sending'`)
	if err != nil {
		return 0, storageErr("reset sending operations", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// UnackedCountForEntityContext counts operations for one entity that the
// server has not acknowledged (queued, sending or failed). A non-zero
// count protects the local record from being overwritten by a pull.
func (s *Store) UnackedCountForEntityContext(ctx context.Context, kind, entityID string) (int, error) {
	var count int
	query := `
	SELECT COUNT(*) FROM outbox
	WHERE kind = ? AND entity_id = ? AND status != 'acked'
	`
	if err := s.conn.QueryRowContext(ctx, query, kind, entityID).Scan(&count); err != nil {
		return 0, storageErr("count unacked operations", err)
	}
	return count, nil
}

// PendingCountForEntityContext counts queued and sending operations for
// one entity. When it reaches zero after an ack, the record flips to
// synced.
func (s *Store) PendingCountForEntityContext(ctx context.Context, kind, entityID string) (int, error) {
	var count int
	query := `
	SELECT COUNT(*) FROM outbox
	WHERE kind = ? AND entity_id = ? AND status IN ('queued', 'sending')
	`
	if err := s.conn.QueryRowContext(ctx, query, kind, entityID).Scan(&count); err != nil {
		return 0, storageErr("count pending operations", err)
	}
	return count, nil
}

// OutboxStats summarizes queue depth.
type OutboxStats struct {
	Pending int // queued + sending
	Failed  int
}

// OutboxStatsContext returns current queue depth counters.
func (s *Store) OutboxStatsContext(ctx context.Context) (OutboxStats, error) {
	var stats OutboxStats
	query := `
	SELECT
		COUNT(CASE WHEN status IN ('queued', 'sending') THEN 1 END),
		COUNT(CASE WHEN status = 'failed' THEN 1 END)
	FROM outbox
	`
	if err := s.conn.QueryRowContext(ctx, query).Scan(&stats.Pending, &stats.Failed); err != nil {
		return stats, storageErr("outbox stats", err)
	}
	return stats, nil
}

// PurgeOperationsContext deletes acked operations enqueued before the
// cutoff and, when includeFailed is set, failed operations too. Returns
// the number of rows removed.
func (s *Store) PurgeOperationsContext(ctx context.Context, before time.Time, includeFailed bool) (int, error) {
	query := `DELETE FROM outbox WHERE enqueued_at < ? AND status = 'acked'`
	if includeFailed {
		query = `DELETE FROM outbox WHERE enqueued_at < ? AND status IN ('acked', 'failed')`
	}

	res, err := s.conn.ExecContext(ctx, query, sqlTime(before))
	if err != nil {
		return 0, storageErr("purge operations", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// scanOperations decodes outbox rows.
func scanOperations(rows *sql.Rows) ([]*record.Operation, error) {
	var ops []*record.Operation

	for rows.Next() {
		var op record.Operation
		var method, status, enqueuedAt, payload string
		var nextAttempt sql.NullString

		err := rows.Scan(
			&op.ID,
			&op.Kind,
			&op.EntityID,
			&method,
			&op.Endpoint,
			&payload,
			&op.IdempotencyKey,
			&op.Priority,
			&status,
			&op.RetryCount,
			&op.LastError,
			&enqueuedAt,
			&nextAttempt,
		)
		if err != nil {
			return nil, storageErr("scan operation", err)
		}

		op.Method = record.Method(method)
		op.Status = record.OpStatus(status)
		if payload != "" {
			op.Payload = []byte(payload)
		}
		if t, err := time.Parse(time.RFC3339, enqueuedAt); err == nil {
			op.EnqueuedAt = t
		}
		if t := nullStringToTime(nextAttempt); t != nil {
			op.NextAttemptAt = *t
		}

		ops = append(ops, &op)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate operations", err)
	}

	return ops, nil
}

// deviceIDTx reads the persisted device id inside a transaction,
// minting one on first use.
func deviceIDTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'device_id'`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("device id not initialized")
	}
	if err != nil {
		return "", storageErr("read device id", err)
	}
	return id, nil
}
