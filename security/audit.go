package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// Audit event types for credential lifecycle operations.
const (
	EventUserRegistered  = "user_registered"
	EventTokenRefreshed  = "token_refreshed"
	EventTokenRevoked    = "token_revoked"
	EventAuthorizeDenied = "authorize_denied"
	EventDecryptFailure  = "decrypt_failure"
)

// Auditor logs credential lifecycle events with PII protection: user
// identifiers are hashed so audit trails can be correlated without
// exposing the raw ID.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. When enabled is false all logging
// calls are no-ops.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event records an audit event for the given user.
func (a *Auditor) Event(eventType, userID string, attrs ...any) {
	if a == nil || !a.enabled {
		return
	}

	args := append([]any{
		"event", eventType,
		"user_hash", HashIdentifier(userID),
	}, attrs...)

	a.logger.Info("audit", args...)
}

// HashIdentifier returns a short SHA-256 digest of an identifier,
// suitable for correlation in logs without revealing the value.
func HashIdentifier(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:16]
}
