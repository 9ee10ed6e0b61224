// Package security provides the cryptographic and HTTP-hardening
// building blocks of the token broker: token encryption at rest,
// per-client rate limiting, request ID propagation, audit logging,
// and secure response headers.
package security
