// Package migrate moves an engine's local state between devices as a
// JSONL snapshot.
//
// When a clinic replaces a front-desk machine, the snapshot carries
// every entity record and the not-yet-acknowledged outbox operations
// to the new device. Operations keep their original idempotency keys,
// so mutations the old device already submitted are discarded
// server-side instead of applied twice.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

// FormatVersion is written into the snapshot header and checked on
// import.
const FormatVersion = 1

// Line is one JSONL entry in a snapshot file.
type Line struct {
	Type string `json:"type"` // "header", "record" or "operation"

	// Header fields.
	Version    int       `json:"version,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	ExportedAt time.Time `json:"exportedAt,omitempty"`

	Record    *record.Record    `json:"record,omitempty"`
	Operation *record.Operation `json:"operation,omitempty"`
}

// Options contains configuration for an export or import run.
type Options struct {
	// DryRun previews without writing.
	DryRun bool

	// Backup copies the import target database file aside before an
	// import touches it.
	Backup bool
}

// Result contains statistics about a migration run.
type Result struct {
	Records       int
	Operations    int
	Skipped       int
	BackupCreated string
	Errors        []string
}

// Export writes every record and every unacknowledged outbox
// operation to a JSONL snapshot at path. The file is written through
// a temp file and renamed, so readers never see a partial snapshot.
func Export(ctx context.Context, st *store.Store, path string, opts Options) (*Result, error) {
	result := &Result{}

	deviceID, err := st.DeviceIDContext(ctx)
	if err != nil {
		return nil, err
	}

	lines := []Line{{
		Type:       "header",
		Version:    FormatVersion,
		DeviceID:   deviceID,
		ExportedAt: time.Now().UTC(),
	}}

	for _, kind := range st.Catalog().Names() {
		recs, err := st.GetAllRecordsContext(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s records: %w", kind, err)
		}
		for _, rec := range recs {
			lines = append(lines, Line{Type: "record", Record: rec})
			result.Records++
		}
	}

	// Queued and failed operations travel with the snapshot; acked ones
	// are already server-side history.
	for _, status := range []record.OpStatus{record.OpQueued, record.OpFailed} {
		ops, err := st.ListOperationsContext(ctx, status, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s operations: %w", status, err)
		}
		for _, op := range ops {
			lines = append(lines, Line{Type: "operation", Operation: op})
			result.Operations++
		}
	}

	if opts.DryRun {
		return result, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
			return nil, fmt.Errorf("failed to write snapshot line: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp snapshot: %w", err)
	}

	return result, nil
}

// Import loads a snapshot into the store. Records are upserted with
// their exported sync status; operations keep their idempotency keys
// and are appended in exported order. An operation whose key already
// exists locally is skipped, so importing the same snapshot twice is
// harmless.
func Import(ctx context.Context, st *store.Store, path string, opts Options) (*Result, error) {
	result := &Result{}

	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	if opts.Backup && !opts.DryRun {
		backupPath := st.Path() + ".backup." + time.Now().Format("20060102-150405")
		data, err := os.ReadFile(st.Path())
		if err != nil {
			return nil, fmt.Errorf("failed to read database for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, data, 0o600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	decoder := json.NewDecoder(f)
	lineNum := 0
	sawHeader := false

	for {
		var line Line
		if err := decoder.Decode(&line); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		switch line.Type {
		case "header":
			if line.Version != FormatVersion {
				return nil, fmt.Errorf("unsupported snapshot version %d (want %d)", line.Version, FormatVersion)
			}
			sawHeader = true

		case "record":
			if !sawHeader {
				return nil, fmt.Errorf("snapshot is missing its header line")
			}
			if line.Record == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: record line without record", lineNum))
				continue
			}
			if !opts.DryRun {
				if err := st.PutRecordContext(ctx, line.Record); err != nil {
					result.Errors = append(result.Errors,
						fmt.Sprintf("line %d: failed to import record %s: %v", lineNum, line.Record.ID, err))
					continue
				}
			}
			result.Records++

		case "operation":
			if !sawHeader {
				return nil, fmt.Errorf("snapshot is missing its header line")
			}
			if line.Operation == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: operation line without operation", lineNum))
				continue
			}
			if !opts.DryRun {
				if err := st.ImportOperationContext(ctx, line.Operation); err != nil {
					result.Errors = append(result.Errors,
						fmt.Sprintf("line %d: failed to import operation %s: %v", lineNum, line.Operation.ID, err))
					continue
				}
			}
			result.Operations++

		default:
			result.Skipped++
		}
	}

	if !sawHeader {
		return nil, fmt.Errorf("snapshot is missing its header line")
	}
	return result, nil
}
