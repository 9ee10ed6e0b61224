package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meetkit/zoom-token-broker/instrumentation"
	"github.com/meetkit/zoom-token-broker/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*storage.Credential

	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		credentials: make(map[string]*storage.Credential),
		logger:      slog.Default(),
	}
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables metrics for storage operations and
// registers the credential count gauge.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	s.inst = inst
	if inst == nil {
		return nil
	}
	return inst.RegisterCredentialCountCallback(func() int64 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return int64(len(s.credentials))
	})
}

// recordOp records metrics for a completed storage operation.
func (s *Store) recordOp(ctx context.Context, op string, start time.Time, err error) {
	if s.inst == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(instrumentation.AttrStorageOperation, op),
		attribute.String(instrumentation.AttrStorageBackend, "memory"),
		attribute.String(instrumentation.AttrStorageResult, result),
	)

	m := s.inst.Metrics()
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
}

// Get retrieves the credential for a user.
func (s *Store) Get(ctx context.Context, userID string) (*storage.Credential, error) {
	start := time.Now()

	s.mu.RLock()
	cred, ok := s.credentials[userID]
	var copied storage.Credential
	if ok {
		copied = *cred
	}
	s.mu.RUnlock()

	if !ok {
		s.recordOp(ctx, "get", start, storage.ErrNotFound)
		return nil, storage.ErrNotFound
	}

	s.recordOp(ctx, "get", start, nil)
	return &copied, nil
}

// Create inserts a new credential.
func (s *Store) Create(ctx context.Context, cred *storage.Credential) error {
	start := time.Now()

	s.mu.Lock()
	if _, exists := s.credentials[cred.UserID]; exists {
		s.mu.Unlock()
		s.recordOp(ctx, "create", start, storage.ErrAlreadyExists)
		return storage.ErrAlreadyExists
	}
	copied := *cred
	s.credentials[cred.UserID] = &copied
	s.mu.Unlock()

	s.recordOp(ctx, "create", start, nil)
	s.logger.Debug("Stored new credential", "user_id", cred.UserID)
	return nil
}

// Update overwrites the token pair and LastUpdated for a user. The
// swap happens under the write lock, so readers observe either the old
// pair or the new pair, never a mix.
func (s *Store) Update(ctx context.Context, userID string, upd storage.TokenUpdate) error {
	start := time.Now()

	s.mu.Lock()
	cred, ok := s.credentials[userID]
	if !ok {
		s.mu.Unlock()
		s.recordOp(ctx, "update", start, storage.ErrNotFound)
		return storage.ErrNotFound
	}
	cred.AccessToken = upd.AccessToken
	cred.RefreshToken = upd.RefreshToken
	cred.LastUpdated = upd.LastUpdated
	s.mu.Unlock()

	s.recordOp(ctx, "update", start, nil)
	s.logger.Debug("Updated credential", "user_id", userID)
	return nil
}

// Delete removes the credential for a user.
func (s *Store) Delete(ctx context.Context, userID string) error {
	start := time.Now()

	s.mu.Lock()
	_, ok := s.credentials[userID]
	if !ok {
		s.mu.Unlock()
		s.recordOp(ctx, "delete", start, storage.ErrNotFound)
		return storage.ErrNotFound
	}
	delete(s.credentials, userID)
	s.mu.Unlock()

	s.recordOp(ctx, "delete", start, nil)
	s.logger.Debug("Deleted credential", "user_id", userID)
	return nil
}

// List enumerates all stored users sorted by user ID.
func (s *Store) List(ctx context.Context) ([]storage.User, error) {
	start := time.Now()

	s.mu.RLock()
	users := make([]storage.User, 0, len(s.credentials))
	for _, cred := range s.credentials {
		users = append(users, storage.User{UserID: cred.UserID, Email: cred.Email})
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	s.recordOp(ctx, "list", start, nil)
	return users, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing for the in-memory store.
func (s *Store) Close() error {
	return nil
}
