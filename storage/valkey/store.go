package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/meetkit/zoom-token-broker/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all broker keys.
	DefaultKeyPrefix = "broker:"

	// scanBatchSize is the number of keys fetched per SCAN iteration.
	scanBatchSize = 100

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "broker:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
//
// Each credential is one JSON value under "<prefix>cred:<userID>".
// Read-modify-write in Update is safe because the lifecycle manager
// serializes writers per user; the store itself only guarantees
// single-key atomicity.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// credentialJSON is the stored representation of a credential.
type credentialJSON struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	LastUpdated  time.Time `json:"last_updated"`
}

// New creates a new Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey credential store",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

func (s *Store) credentialKey(userID string) string {
	return s.prefix + "cred:" + userID
}

// Get retrieves the credential for a user.
func (s *Store) Get(ctx context.Context, userID string) (*storage.Credential, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.credentialKey(userID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	var j credentialJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	return &storage.Credential{
		UserID:       j.UserID,
		Email:        j.Email,
		AccessToken:  j.AccessToken,
		RefreshToken: j.RefreshToken,
		LastUpdated:  j.LastUpdated,
	}, nil
}

// Create inserts a new credential. SET NX enforces the one-row-per-user
// invariant atomically on the server.
func (s *Store) Create(ctx context.Context, cred *storage.Credential) error {
	data, err := json.Marshal(credentialJSON{
		UserID:       cred.UserID,
		Email:        cred.Email,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		LastUpdated:  cred.LastUpdated,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	key := s.credentialKey(cred.UserID)
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Nx().Build()).Error()
	if err != nil {
		if isNilError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}

	s.logger.Debug("Stored new credential", "user_id", cred.UserID)
	return nil
}

// Update overwrites the token pair and LastUpdated for a user.
func (s *Store) Update(ctx context.Context, userID string, upd storage.TokenUpdate) error {
	cred, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(credentialJSON{
		UserID:       cred.UserID,
		Email:        cred.Email,
		AccessToken:  upd.AccessToken,
		RefreshToken: upd.RefreshToken,
		LastUpdated:  upd.LastUpdated,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	// XX: only overwrite an existing key. If the row was revoked
	// between the read and the write, report not-found instead of
	// resurrecting it.
	key := s.credentialKey(userID)
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Xx().Build()).Error()
	if err != nil {
		if isNilError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to update credential: %w", err)
	}

	s.logger.Debug("Updated credential", "user_id", userID)
	return nil
}

// Delete removes the credential for a user.
func (s *Store) Delete(ctx context.Context, userID string) error {
	removed, err := s.client.Do(ctx, s.client.B().Del().Key(s.credentialKey(userID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if removed == 0 {
		return storage.ErrNotFound
	}

	s.logger.Debug("Deleted credential", "user_id", userID)
	return nil
}

// List enumerates all users via SCAN. SCAN may return duplicates
// across iterations, so results are deduplicated by key.
func (s *Store) List(ctx context.Context) ([]storage.User, error) {
	pattern := s.credentialKey("*")
	seen := make(map[string]storage.User)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan credentials: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := seen[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get credential %s: %w", key, err)
			}

			var j credentialJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal credential, skipping",
					"key", key,
					"error", err)
				continue
			}

			seen[key] = storage.User{UserID: j.UserID, Email: j.Email}
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	users := make([]storage.User, 0, len(seen))
	for _, u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	return users, nil
}

// Ping verifies the Valkey server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// Close closes the client connection.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// isNilError reports whether err is the Valkey nil reply.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
