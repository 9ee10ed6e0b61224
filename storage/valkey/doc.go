// Package valkey provides a credential store backed by Valkey (or any
// Redis-protocol server), for deployments where multiple broker
// instances share one credential set.
package valkey
