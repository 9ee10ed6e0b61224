// Package sqlite provides a durable credential store backed by SQLite
// via the pure-Go modernc.org/sqlite driver. One table, one row per
// user; WAL mode for concurrent readers alongside the single writer.
package sqlite
