// Package mock provides a mock implementation of the credential store
// for testing.
package mock

import (
	"context"
	"sync"

	"github.com/meetkit/zoom-token-broker/storage"
)

// Store is a mock implementation of storage.Store. Each method
// delegates to a replaceable Func field (defaulting to an in-memory
// implementation) and counts calls, so tests can inject failures and
// assert on interaction counts.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*storage.Credential
	callCounts  map[string]int

	GetFunc    func(ctx context.Context, userID string) (*storage.Credential, error)
	CreateFunc func(ctx context.Context, cred *storage.Credential) error
	UpdateFunc func(ctx context.Context, userID string, upd storage.TokenUpdate) error
	DeleteFunc func(ctx context.Context, userID string) error
	ListFunc   func(ctx context.Context) ([]storage.User, error)
	PingFunc   func(ctx context.Context) error
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// NewStore creates a mock store with in-memory default behavior.
func NewStore() *Store {
	m := &Store{
		credentials: make(map[string]*storage.Credential),
		callCounts:  make(map[string]int),
	}

	m.GetFunc = func(ctx context.Context, userID string) (*storage.Credential, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		cred, ok := m.credentials[userID]
		if !ok {
			return nil, storage.ErrNotFound
		}
		copied := *cred
		return &copied, nil
	}

	m.CreateFunc = func(ctx context.Context, cred *storage.Credential) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, exists := m.credentials[cred.UserID]; exists {
			return storage.ErrAlreadyExists
		}
		copied := *cred
		m.credentials[cred.UserID] = &copied
		return nil
	}

	m.UpdateFunc = func(ctx context.Context, userID string, upd storage.TokenUpdate) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cred, ok := m.credentials[userID]
		if !ok {
			return storage.ErrNotFound
		}
		cred.AccessToken = upd.AccessToken
		cred.RefreshToken = upd.RefreshToken
		cred.LastUpdated = upd.LastUpdated
		return nil
	}

	m.DeleteFunc = func(ctx context.Context, userID string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.credentials[userID]; !ok {
			return storage.ErrNotFound
		}
		delete(m.credentials, userID)
		return nil
	}

	m.ListFunc = func(ctx context.Context) ([]storage.User, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		users := make([]storage.User, 0, len(m.credentials))
		for _, cred := range m.credentials {
			users = append(users, storage.User{UserID: cred.UserID, Email: cred.Email})
		}
		return users, nil
	}

	m.PingFunc = func(ctx context.Context) error { return nil }

	return m
}

func (m *Store) count(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCounts[method]
}

// Get implements storage.Store.
func (m *Store) Get(ctx context.Context, userID string) (*storage.Credential, error) {
	m.count("Get")
	return m.GetFunc(ctx, userID)
}

// Create implements storage.Store.
func (m *Store) Create(ctx context.Context, cred *storage.Credential) error {
	m.count("Create")
	return m.CreateFunc(ctx, cred)
}

// Update implements storage.Store.
func (m *Store) Update(ctx context.Context, userID string, upd storage.TokenUpdate) error {
	m.count("Update")
	return m.UpdateFunc(ctx, userID, upd)
}

// Delete implements storage.Store.
func (m *Store) Delete(ctx context.Context, userID string) error {
	m.count("Delete")
	return m.DeleteFunc(ctx, userID)
}

// List implements storage.Store.
func (m *Store) List(ctx context.Context) ([]storage.User, error) {
	m.count("List")
	return m.ListFunc(ctx)
}

// Ping implements storage.Store.
func (m *Store) Ping(ctx context.Context) error {
	m.count("Ping")
	return m.PingFunc(ctx)
}

// Close implements storage.Store.
func (m *Store) Close() error { return nil }
