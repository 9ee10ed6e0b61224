package broker

import "time"

// Token is the decrypted credential view handed to callers by
// Authorize and Refresh. It never includes the refresh token: that
// stays encrypted in the store and only ever travels to the
// authorization server.
type Token struct {
	// UserID is the provider's stable user identifier.
	UserID string `json:"user_id"`

	// Email is the user's email address.
	Email string `json:"email,omitempty"`

	// AccessToken is the plaintext access token.
	AccessToken string `json:"access_token"`

	// LastUpdated is when the token pair was last written.
	LastUpdated time.Time `json:"last_updated"`

	// Refreshed reports whether this call performed an upstream
	// refresh, as opposed to serving the stored token.
	Refreshed bool `json:"refreshed"`
}

// Bearer returns the Authorization header value for the token.
func (t *Token) Bearer() string {
	return "Bearer " + t.AccessToken
}

// ErrorResponse is the JSON error body returned by the HTTP handlers.
type ErrorResponse struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_description,omitempty"`
}

// UserListResponse is the JSON body for the user listing endpoint.
type UserListResponse struct {
	Users []UserEntry `json:"users"`
	Total int         `json:"total"`
}

// UserEntry is one registered user in a listing.
type UserEntry struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// StatusResponse is the JSON body for operations that return no data
// (revoke).
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse is the JSON body for the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Version string `json:"version,omitempty"`
}
