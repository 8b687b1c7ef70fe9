// Package record defines the persisted data model for the x-ear offline engine.
//
// # Overview
//
// This package provides the types stored in the local engine database:
// entity records (patients, appointments, invoices, devices, attachments),
// outbox operations awaiting upload, and the sync metadata singleton.
// Records are persisted inside a versioned envelope so older rows can be
// upgraded in one place at decode time instead of field-by-field fallbacks
// scattered across readers.
//
// # Entity Records
//
// A Record wraps an arbitrary JSON payload from the clinic API together
// with the bookkeeping fields the engine needs: sync status, the
// authoritative updatedAt timestamp used for last-write-wins merging, and
// the optional expiry that marks a row as a TTL cache shadow rather than
// a locally owned entity.
//
//	{
//	  "schemaVersion": 2,
//	  "record": {
//	    "id": "pat-4821",
//	    "kind": "patients",
//	    "syncStatus": "pending",
//	    "updatedAt": "2026-02-11T09:14:02Z",
//	    "payload": {"firstName": "Ayşe", "phone": "+90 532 000 0000"}
//	  }
//	}
//
// # Outbox Operations
//
// An Operation describes one queued mutation: HTTP method, endpoint,
// payload, and a deterministic idempotency key minted from the device id,
// the entity id, the operation verb and a monotonic counter. The key is
// stable across retries and process restarts, which is what lets the
// server deduplicate a re-sent request after a crash.
//
// # Sync Status Lifecycle
//
//	synced  -> record matches the last acknowledged server state
//	pending -> a local edit is queued in the outbox
//	failed  -> the server permanently rejected the queued edit
//
// # Design Principles
//
//   - Flat JSON structure, last-write-wins on updatedAt
//   - One envelope version on disk at a time; upcast happens at load
//   - No external validation libraries
package record
