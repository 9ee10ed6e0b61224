// Package broker implements a server-side OAuth credential broker for
// Zoom user-level apps.
//
// The broker performs the authorization-code exchange once per user,
// stores the resulting token pair encrypted at rest, and serves fresh
// access tokens on demand: a stored token older than the staleness
// window is transparently refreshed upstream before it is handed out.
// Refreshes are serialized per user because Zoom rotates refresh
// tokens on every grant.
//
// The Manager carries the lifecycle logic; Handler exposes it over
// HTTP. Storage backends live under storage/ and the upstream client
// under providers/.
package broker
