// Package engine is the offline-first data engine for clinic devices.
//
// # Overview
//
// The engine gives the rest of the application one object for reading
// and writing clinic records that keeps working with no connectivity.
// Every read is answered from the local SQLite store. Every write
// lands in the local store and a durable outbox in one transaction
// before the caller sees success; the write reaches the clinic
// backend later, when a sync pass runs.
//
//	eng, err := engine.New(st, client, monitor, nil, nil, nil)
//	if err != nil {
//	    return err
//	}
//	rec, err := eng.Save(ctx, "patients", payload)
//
// # Sync Passes
//
// A sync pass moves through fixed phases: recover operations stranded
// by a crash, drain the outbox to the backend, pull remote pages per
// kind, reconcile them against local state, and finally write the
// sync metadata snapshot. A single latch makes overlapping triggers a
// no-op, and a pass is skipped entirely while the device is offline.
//
// Passes are triggered three ways: explicitly through SyncNow, by the
// connectivity monitor when the device comes back online, and by
// whatever scheduler the host process runs (the daemon triggers on a
// timer and after local writes).
//
// # Conflict Handling
//
// Reconciliation is last-writer-wins per record with one protection:
// a remote copy only replaces the local one when it is strictly newer
// AND no local operation for that record is still waiting for the
// backend. A queued, sending or failed operation means the user's
// edit has not been accepted yet, so the local version stays until it
// is.
//
// # Change Notification
//
// Listeners registered through AddListener run synchronously after
// local data changes: local writes, and sync passes that acked or
// merged anything. Listeners take no arguments; the signal means
// "re-read what you display". A panicking listener is recovered and
// logged without disturbing the others.
package engine
