// Package storage keeps an execution history of hook runs.
//
// The history is an audit trail and a source of success-rate feedback for
// the registry. It is not a job queue: nothing is replayed after a restart.
//
// Drivers:
//   - memory: bounded in-process ring (default)
//   - file:   append-only JSON Lines, compacted when it grows past MaxEntries
//   - sqlite: SQLite database file (modernc.org/sqlite, no cgo)
package storage
