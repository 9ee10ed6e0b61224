package providers

import (
	"context"
	"fmt"
)

// TokenPair is the access/refresh token pair issued by the
// authorization server. Both values are plaintext; encryption at rest
// is the caller's concern.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// UserInfo identifies the end user who granted access.
type UserInfo struct {
	// ID is the stable user identifier from the provider.
	ID string

	// Email is the user's email address (informational).
	Email string

	// DisplayName is the user's display name, if the provider
	// returns one.
	DisplayName string
}

// UpstreamError carries a failure reported by the authorization
// server: the HTTP status and body are passed through verbatim so the
// caller can log and map them without interpretation.
type UpstreamError struct {
	// Operation is the provider call that failed ("exchange_code",
	// "refresh", "revoke", "me").
	Operation string

	// StatusCode is the upstream HTTP status, or 0 when the request
	// never completed (network error, timeout).
	StatusCode int

	// Message is the upstream-supplied error body or the transport
	// error text.
	Message string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s failed: status %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s failed: %s", e.Operation, e.Message)
}

// Provider is the upstream OAuth client. Each method issues a single
// outbound call and does not retry; retry policy belongs to callers,
// and retrying a refresh blindly is unsafe under refresh-token
// rotation.
type Provider interface {
	// Name returns the provider name (e.g. "zoom").
	Name() string

	// AuthorizationURL generates the URL users are redirected to for
	// the one-time authorization grant.
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an authorization code for a token pair.
	ExchangeCode(ctx context.Context, code string) (*TokenPair, error)

	// Refresh exchanges a refresh token for a new token pair. The
	// server rotates the refresh token: the old one is invalid the
	// moment this call succeeds.
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)

	// Revoke invalidates an access token server-side.
	Revoke(ctx context.Context, accessToken string) error

	// Me fetches the identity of the user the access token belongs to.
	Me(ctx context.Context, accessToken string) (*UserInfo, error)
}
