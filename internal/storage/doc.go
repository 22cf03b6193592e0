// Package storage persists task run history.
//
// Drivers:
//   - "file": append-only JSON Lines, compacted to the newest MaxRuns records
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
//
// Pending tasks are never persisted: a restarted scheduler starts empty.
package storage
