// Package storage defines the interface for persisting user
// credentials (encrypted OAuth token pairs) and provides the shared
// record types. Backends include in-memory, SQLite, and Valkey.
package storage
