package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by all Store implementations.
var (
	// ErrNotFound indicates no credential exists for the user ID.
	ErrNotFound = errors.New("credential not found")

	// ErrAlreadyExists indicates a credential already exists for the
	// user ID. The store enforces exactly one row per user.
	ErrAlreadyExists = errors.New("credential already exists")
)

// Credential is the stored token pair and metadata for one user.
//
// AccessToken and RefreshToken hold ciphertext: secrets are encrypted
// by the caller before they reach the store, and the store never sees
// plaintext token material. LastUpdated is the time of the most recent
// successful issuance or refresh and is monotonically non-decreasing
// for a given user.
type Credential struct {
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	LastUpdated  time.Time
}

// User is a list entry for administrative enumeration. It carries no
// secret material.
type User struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// TokenUpdate is the field set overwritten by a successful refresh.
// Implementations must apply it atomically: a reader observes either
// the old pair or the new pair, never a mix.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	LastUpdated  time.Time
}

// Store persists one credential per user ID. Implementations must be
// safe for concurrent use; single-row atomicity is required but
// multi-row transactions are not.
//
// The store is a pure persistence boundary: it has no knowledge of
// encryption, staleness, or the upstream OAuth protocol.
type Store interface {
	// Get retrieves the credential for a user.
	// Returns ErrNotFound if no credential exists.
	Get(ctx context.Context, userID string) (*Credential, error)

	// Create inserts a new credential.
	// Returns ErrAlreadyExists if the user already has one.
	Create(ctx context.Context, cred *Credential) error

	// Update overwrites the token pair and LastUpdated for a user.
	// Returns ErrNotFound if no credential exists.
	Update(ctx context.Context, userID string, upd TokenUpdate) error

	// Delete removes the credential for a user.
	// Returns ErrNotFound if no credential exists.
	Delete(ctx context.Context, userID string) error

	// List enumerates all users with stored credentials, excluding
	// secrets.
	List(ctx context.Context) ([]User, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
