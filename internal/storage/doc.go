// Package storage persists the send history: one append-only record per
// delivery attempt that reached the mail transport.
//
// Drivers:
//   - "file": JSON Lines log, compacted on prune
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx
//
// Job tables themselves are memory-only; only the history survives restarts.
package storage
