package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/omrozmn/x-ear-sub010/internal/record"
)

const syncMetadataKey = "sync_metadata"

// GetMetaContext reads one meta value. Returns ErrNotFound when the key
// has never been set.
func (s *Store) GetMetaContext(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storageErr("read meta", err)
	}
	return value, nil
}

// SetMetaContext writes one meta value.
func (s *Store) SetMetaContext(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.conn.ExecContext(ctx, query, key, value); err != nil {
		return storageErr("write meta", err)
	}
	return nil
}

// DeviceID returns this installation's persisted device id.
func (s *Store) DeviceID() (string, error) {
	return s.DeviceIDContext(context.Background())
}

// DeviceIDContext returns the device id with context support. The id is
// minted once at InitSchema time and never changes afterwards; it
// prefixes every idempotency key this device mints.
func (s *Store) DeviceIDContext(ctx context.Context) (string, error) {
	id, err := s.GetMetaContext(ctx, "device_id")
	if errors.Is(err, ErrNotFound) {
		return "", errors.New("device id not initialized; call InitSchema first")
	}
	return id, err
}

// GetSyncMetadata returns the sync summary singleton. A store that has
// never completed a pass returns the zero value.
func (s *Store) GetSyncMetadata(ctx context.Context) (record.SyncMetadata, error) {
	var md record.SyncMetadata

	raw, err := s.GetMetaContext(ctx, syncMetadataKey)
	if errors.Is(err, ErrNotFound) {
		return md, nil
	}
	if err != nil {
		return md, err
	}

	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return record.SyncMetadata{}, storageErr("decode sync metadata", err)
	}
	return md, nil
}

// SetSyncMetadata replaces the sync summary singleton. Only the sync
// coordinator writes this, once per completed pass.
func (s *Store) SetSyncMetadata(ctx context.Context, md record.SyncMetadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return storageErr("encode sync metadata", err)
	}
	return s.SetMetaContext(ctx, syncMetadataKey, string(raw))
}
