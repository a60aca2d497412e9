// Package storage records which connections each report tick selected.
//
// Drivers:
//   - "file": append-only JSON Lines with periodic compaction
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
//
// The store is an audit trail only; nothing reads it back to make delivery
// decisions.
package storage
