// Package providers defines the upstream OAuth client interface and
// shared types for token pairs and user identities.
//
// The broker talks to exactly one authorization server at a time; the
// interface exists so the lifecycle manager can be tested against a
// stub and so another conferencing provider could be added without
// touching the core.
//
// Implementations are provided in subpackages:
//   - providers/zoom: the Zoom OAuth endpoints
//   - providers/mock: a configurable stub for testing
package providers
