// Package storage persists stream counters and lifecycle events so they
// survive restarts.
//
// Drivers:
//   - "file": JSON snapshot plus JSON Lines event log on an afero filesystem
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
