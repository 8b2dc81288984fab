// Package store provides SQLite-backed durable storage for the local cache.
//
// The store holds five tables:
//   - Routines: cached routine definitions, keyed by (owner_key, id)
//   - Completions: per-day completion marks, keyed by (owner_key, routine_id, date)
//   - Pending Mutations: unconfirmed completion events, FIFO by seq, unique op_id
//   - Stats Snapshots: raw remote monthly statistics, keyed by (month, tz, owner_scope)
//   - Settings: small key/value state (guest id, stored session)
//
// # Critical Patterns
//
// Owner Partitioning
//   - Every routine, completion and pending query filters on owner_key
//   - Switching owner never rewrites rows
//
// Idempotent Enqueue
//   - op_id UNIQUE with ON CONFLICT(op_id) DO NOTHING
//   - Re-inserting a known op_id returns the stored row unchanged
//
// Deterministic Ordering
//   - Routines: ORDER BY updated_at DESC, id ASC
//   - Pending: ORDER BY seq ASC
//
// Change Notification
//   - Watch returns a size-1 signal channel per watcher
//   - Every committed write signals the watchers of the touched tables
//     and owner; signals coalesce and never block the writer
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Single connection: one writer, no SQLITE_BUSY between our own goroutines
package store
