package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/record"
)

// PutRecord inserts or updates a record.
//
// If a record with the same ID exists for the kind, it is replaced.
// The envelope is re-encoded at the current schema version, so putting a
// record read from an older row also upgrades it on disk.
func (s *Store) PutRecord(rec *record.Record) error {
	return s.PutRecordContext(context.Background(), rec)
}

// PutRecordContext inserts or updates a record with context support.
func (s *Store) PutRecordContext(ctx context.Context, rec *record.Record) error {
	if _, ok := s.catalog.Get(rec.Kind); !ok {
		return fmt.Errorf("unknown kind %q", rec.Kind)
	}
	return putRecordExec(ctx, s.conn, rec)
}

// execer is satisfied by both *sql.DB and *sql.Tx so record upserts can
// run standalone or inside the enqueue transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func putRecordExec(ctx context.Context, ex execer, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	envelope, err := record.EncodeEnvelope(rec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, envelope, sync_status, created_at, updated_at, expires_at, priority)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		envelope = excluded.envelope,
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at,
		priority = excluded.priority
	`, recordTable(rec.Kind))

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = rec.UpdatedAt
	}

	_, err = ex.ExecContext(ctx, query,
		rec.ID,
		string(envelope),
		string(rec.SyncStatus),
		sqlTime(createdAt),
		sqlTime(rec.UpdatedAt),
		timeToNullString(rec.ExpiresAt),
		rec.Priority,
	)
	if err != nil {
		return storageErr("put record", err)
	}

	return nil
}

// GetRecord retrieves a single record by kind and id.
// Returns ErrNotFound if the record does not exist.
func (s *Store) GetRecord(kind, id string) (*record.Record, error) {
	return s.GetRecordContext(context.Background(), kind, id)
}

// GetRecordContext retrieves a single record with context support.
func (s *Store) GetRecordContext(ctx context.Context, kind, id string) (*record.Record, error) {
	if _, ok := s.catalog.Get(kind); !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	query := fmt.Sprintf("SELECT envelope FROM %s WHERE id = ?", recordTable(kind))

	var envelope string
	err := s.conn.QueryRowContext(ctx, query, id).Scan(&envelope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get record", err)
	}

	rec, err := record.DecodeEnvelope([]byte(envelope))
	if err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", kind, id, err)
	}
	return rec, nil
}

// GetAllRecords retrieves every record of a kind, newest updates first.
func (s *Store) GetAllRecords(kind string) ([]*record.Record, error) {
	return s.GetAllRecordsContext(context.Background(), kind)
}

// GetAllRecordsContext retrieves every record of a kind with context support.
func (s *Store) GetAllRecordsContext(ctx context.Context, kind string) ([]*record.Record, error) {
	if _, ok := s.catalog.Get(kind); !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	query := fmt.Sprintf("SELECT envelope FROM %s ORDER BY updated_at DESC, id ASC", recordTable(kind))

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	return scanRecords(rows, kind)
}

// DeleteRecord removes a record.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) DeleteRecord(kind, id string) error {
	return s.DeleteRecordContext(context.Background(), kind, id)
}

// DeleteRecordContext removes a record with context support.
func (s *Store) DeleteRecordContext(ctx context.Context, kind, id string) error {
	if _, ok := s.catalog.Get(kind); !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", recordTable(kind))
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return storageErr(fmt.Sprintf("delete record %s/%s", kind, id), err)
	}
	return nil
}

// QueryByFieldContext returns records whose payload lookup field equals
// the given value. The field must be declared in the kind catalog; the
// expression index created at init time serves the query.
func (s *Store) QueryByFieldContext(ctx context.Context, kind, field, value string) ([]*record.Record, error) {
	k, ok := s.catalog.Get(kind)
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if !hasField(k.LookupFields, field) {
		return nil, fmt.Errorf("field %q is not a lookup field of kind %q", field, kind)
	}

	query := fmt.Sprintf(
		"SELECT envelope FROM %s WHERE json_extract(envelope, '$.record.payload.%s') = ? ORDER BY updated_at DESC, id ASC",
		recordTable(kind), field)

	rows, err := s.conn.QueryContext(ctx, query, value)
	if err != nil {
		return nil, storageErr("query records by field", err)
	}
	defer rows.Close()

	return scanRecords(rows, kind)
}

// RecordsByStatusContext returns records of a kind in the given sync status.
func (s *Store) RecordsByStatusContext(ctx context.Context, kind string, status record.SyncStatus) ([]*record.Record, error) {
	if _, ok := s.catalog.Get(kind); !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	query := fmt.Sprintf(
		"SELECT envelope FROM %s WHERE sync_status = ? ORDER BY updated_at DESC, id ASC",
		recordTable(kind))

	rows, err := s.conn.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, storageErr("query records by status", err)
	}
	defer rows.Close()

	return scanRecords(rows, kind)
}

// SetRecordStatusContext updates only the sync status of a record, both
// in the envelope and the indexed column.
func (s *Store) SetRecordStatusContext(ctx context.Context, kind, id string, status record.SyncStatus) error {
	rec, err := s.GetRecordContext(ctx, kind, id)
	if err != nil {
		return err
	}
	rec.SyncStatus = status
	return s.PutRecordContext(ctx, rec)
}

// CountRecordsContext returns the number of records of a kind.
func (s *Store) CountRecordsContext(ctx context.Context, kind string) (int, error) {
	if _, ok := s.catalog.Get(kind); !ok {
		return 0, fmt.Errorf("unknown kind %q", kind)
	}

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", recordTable(kind))
	if err := s.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, storageErr("count records", err)
	}
	return count, nil
}

// CountAllRecordsContext returns the record total across every kind.
func (s *Store) CountAllRecordsContext(ctx context.Context) (int, error) {
	var total int
	for _, name := range s.catalog.Names() {
		n, err := s.CountRecordsContext(ctx, name)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ShadowCountContext returns the number of TTL shadows of a kind.
func (s *Store) ShadowCountContext(ctx context.Context, kind string) (int, error) {
	if _, ok := s.catalog.Get(kind); !ok {
		return 0, fmt.Errorf("unknown kind %q", kind)
	}

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE expires_at IS NOT NULL", recordTable(kind))
	if err := s.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, storageErr("count shadows", err)
	}
	return count, nil
}

// DeleteOldestShadowsContext removes the n shadows with the oldest
// updated_at. Full entities are never touched. Returns the number of
// rows removed.
func (s *Store) DeleteOldestShadowsContext(ctx context.Context, kind string, n int) (int, error) {
	if _, ok := s.catalog.Get(kind); !ok {
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
	if n <= 0 {
		return 0, nil
	}

	table := recordTable(kind)
	query := fmt.Sprintf(`
	DELETE FROM %s WHERE id IN (
		SELECT id FROM %s
		WHERE expires_at IS NOT NULL
		ORDER BY updated_at ASC, id ASC
		LIMIT ?
	)`, table, table)

	res, err := s.conn.ExecContext(ctx, query, n)
	if err != nil {
		return 0, storageErr("evict shadows", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// DeleteExpiredContext removes shadows whose TTL passed before now.
// Returns the number of rows removed.
func (s *Store) DeleteExpiredContext(ctx context.Context, kind string, now time.Time) (int, error) {
	if _, ok := s.catalog.Get(kind); !ok {
		return 0, fmt.Errorf("unknown kind %q", kind)
	}

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?",
		recordTable(kind))

	res, err := s.conn.ExecContext(ctx, query, sqlTime(now))
	if err != nil {
		return 0, storageErr("purge expired shadows", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// DeleteShadowsContext removes every shadow of a kind, keeping full
// entities. Returns the number of rows removed.
func (s *Store) DeleteShadowsContext(ctx context.Context, kind string) (int, error) {
	if _, ok := s.catalog.Get(kind); !ok {
		return 0, fmt.Errorf("unknown kind %q", kind)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL", recordTable(kind))
	res, err := s.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, storageErr("clear shadows", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// scanRecords is a helper to decode multiple envelope rows. Rows that no
// longer decode are skipped rather than failing the whole read; the read
// path prefers serving what it can.
func scanRecords(rows *sql.Rows, kind string) ([]*record.Record, error) {
	var records []*record.Record

	for rows.Next() {
		var envelope string
		if err := rows.Scan(&envelope); err != nil {
			return nil, storageErr("scan record", err)
		}

		rec, err := record.DecodeEnvelope([]byte(envelope))
		if err != nil {
			continue
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr(fmt.Sprintf("iterate %s records", kind), err)
	}

	return records, nil
}

func hasField(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}
