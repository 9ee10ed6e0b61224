package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meetkit/zoom-token-broker/instrumentation"
	"github.com/meetkit/zoom-token-broker/security"
)

const (
	// DefaultStaleAfter is the freshness window for stored access
	// tokens. Zoom access tokens live 60 minutes; refreshing after 55
	// leaves headroom so a token handed to a caller stays usable.
	DefaultStaleAfter = 55 * time.Minute

	// DefaultUpstreamTimeout bounds each call to the authorization
	// server.
	DefaultUpstreamTimeout = 30 * time.Second
)

// Config holds the credential broker configuration
type Config struct {
	// EncryptionKey is the AES-256 key (32 bytes) used to encrypt
	// tokens at rest (required). Generate with security.GenerateKey()
	// or derive from a passphrase with security.DeriveKey().
	EncryptionKey []byte

	// StaleAfter is how old a stored access token may be before a
	// read triggers a refresh. Default: 55 minutes.
	StaleAfter time.Duration

	// UpstreamTimeout bounds each outbound call to the authorization
	// server. Default: 30 seconds.
	UpstreamTimeout time.Duration

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation provides metrics and tracing (optional, no-op
	// if not provided).
	Instrumentation *instrumentation.Instrumentation
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool
}

// SecurityConfig holds broker security settings
type SecurityConfig struct {
	// EnableAuditLogging enables security audit logging.
	// Logs credential lifecycle events with hashed user identifiers.
	EnableAuditLogging bool
}

// Validate checks the configuration and fails fast on anything that
// would only surface as a runtime error later.
func (c *Config) Validate() error {
	if len(c.EncryptionKey) != security.KeySize {
		return fmt.Errorf("encryption key must be %d bytes, got %d", security.KeySize, len(c.EncryptionKey))
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("stale-after duration must not be negative")
	}
	if c.UpstreamTimeout < 0 {
		return fmt.Errorf("upstream timeout must not be negative")
	}
	return nil
}

// withDefaults returns a copy of the config with defaults applied.
func (c Config) withDefaults() Config {
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Instrumentation == nil {
		c.Instrumentation = instrumentation.Noop()
	}
	return c
}
