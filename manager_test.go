package broker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/meetkit/zoom-token-broker/providers"
	providermock "github.com/meetkit/zoom-token-broker/providers/mock"
	"github.com/meetkit/zoom-token-broker/storage"
	storagemock "github.com/meetkit/zoom-token-broker/storage/mock"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// testManager wires a manager to mock backends with a controllable
// clock starting at a fixed instant.
type testManager struct {
	*Manager
	store    *storagemock.Store
	provider *providermock.Provider
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()

	store := storagemock.NewStore()
	provider := providermock.NewProvider()

	m, err := NewManager(store, provider, Config{EncryptionKey: testKey})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clock.Now

	return &testManager{Manager: m, store: store, provider: provider, clock: clock}
}

// register seeds a credential through the real Register path and
// returns the issued token.
func (tm *testManager) register(t *testing.T) *Token {
	t.Helper()
	token, err := tm.Register(context.Background(), "test-code")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return token
}

func TestNewManager_Validation(t *testing.T) {
	store := storagemock.NewStore()
	provider := providermock.NewProvider()

	tests := []struct {
		name     string
		store    storage.Store
		provider providers.Provider
		cfg      Config
	}{
		{"nil store", nil, provider, Config{EncryptionKey: testKey}},
		{"nil provider", store, nil, Config{EncryptionKey: testKey}},
		{"missing key", store, provider, Config{}},
		{"short key", store, provider, Config{EncryptionKey: []byte("too short")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(tt.store, tt.provider, tt.cfg); err == nil {
				t.Error("NewManager() succeeded, want error")
			}
		})
	}
}

func TestRegister(t *testing.T) {
	tm := newTestManager(t)

	token := tm.register(t)

	if token.UserID != "mock-user" {
		t.Errorf("UserID = %q, want %q", token.UserID, "mock-user")
	}
	if token.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "access-1")
	}
	if token.Refreshed {
		t.Error("Refreshed = true on initial registration")
	}

	// Stored tokens must be ciphertext, never the plaintext pair.
	cred, err := tm.store.Get(context.Background(), "mock-user")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cred.AccessToken == "access-1" || cred.RefreshToken == "refresh-1" {
		t.Error("store holds plaintext tokens")
	}
}

func TestRegister_EmptyCode(t *testing.T) {
	tm := newTestManager(t)

	_, err := tm.Register(context.Background(), "")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) || brokerErr.Code != ErrorCodeInvalidRequest {
		t.Errorf("Register(\"\") error = %v, want %s", err, ErrorCodeInvalidRequest)
	}
}

func TestRegister_AlreadyLinkedIsNoOp(t *testing.T) {
	tm := newTestManager(t)

	tm.register(t)
	second := tm.register(t)

	// Re-authorization keeps the stored pair: no error, no overwrite.
	if second.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q, want stored %q", second.AccessToken, "access-1")
	}
	users, err := tm.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 1 {
		t.Errorf("len(users) = %d, want 1", len(users))
	}
	if tm.store.CallCount("Update") != 0 {
		t.Errorf("Update calls = %d, want 0", tm.store.CallCount("Update"))
	}
}

func TestRegister_UpstreamFailure(t *testing.T) {
	tm := newTestManager(t)
	tm.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*providers.TokenPair, error) {
		return nil, &providers.UpstreamError{
			Operation:  "exchange_code",
			StatusCode: http.StatusBadRequest,
			Message:    "invalid_grant",
		}
	}

	_, err := tm.Register(context.Background(), "bad-code")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) {
		t.Fatalf("Register() error = %v, want *Error", err)
	}
	if brokerErr.Code != ErrorCodeUpstreamError || brokerErr.Status != http.StatusBadRequest {
		t.Errorf("error = %+v, want upstream_error with status 400", brokerErr)
	}
}

func TestAuthorize_FreshToken(t *testing.T) {
	tm := newTestManager(t)
	tm.register(t)

	token, err := tm.Authorize(context.Background(), "mock-user")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if token.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q, want stored %q", token.AccessToken, "access-1")
	}
	if token.Refreshed {
		t.Error("Refreshed = true for a fresh token")
	}
	if got := tm.provider.CallCount("Refresh"); got != 0 {
		t.Errorf("Refresh calls = %d, want 0", got)
	}
}

func TestAuthorize_UnknownUser(t *testing.T) {
	tm := newTestManager(t)

	_, err := tm.Authorize(context.Background(), "nobody")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) {
		t.Fatalf("Authorize() error = %v, want *Error", err)
	}
	if brokerErr.Code != ErrorCodeUserNotFound {
		t.Errorf("Code = %q, want %q", brokerErr.Code, ErrorCodeUserNotFound)
	}
	if brokerErr.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", brokerErr.Status)
	}
}

func TestAuthorize_FreshnessBoundary(t *testing.T) {
	tests := []struct {
		name        string
		age         time.Duration
		wantRefresh bool
	}{
		{"just inside the window", 55*time.Minute - time.Second, false},
		{"just past the window", 55*time.Minute + time.Second, true},
		{"exactly at the window", 55 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := newTestManager(t)
			tm.register(t)
			tm.clock.Advance(tt.age)

			token, err := tm.Authorize(context.Background(), "mock-user")
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if token.Refreshed != tt.wantRefresh {
				t.Errorf("Refreshed = %v, want %v", token.Refreshed, tt.wantRefresh)
			}
			wantCalls := 0
			if tt.wantRefresh {
				wantCalls = 1
			}
			if got := tm.provider.CallCount("Refresh"); got != wantCalls {
				t.Errorf("Refresh calls = %d, want %d", got, wantCalls)
			}
		})
	}
}

func TestAuthorize_RefreshRotatesPair(t *testing.T) {
	tm := newTestManager(t)
	tm.register(t)
	tm.clock.Advance(56 * time.Minute)

	token, err := tm.Authorize(context.Background(), "mock-user")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if token.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q, want rotated %q", token.AccessToken, "access-2")
	}
	if !token.LastUpdated.Equal(tm.clock.Now()) {
		t.Errorf("LastUpdated = %v, want %v", token.LastUpdated, tm.clock.Now())
	}

	// The stored pair was replaced, so the next stale read refreshes
	// with the rotated refresh token.
	tm.clock.Advance(56 * time.Minute)
	token, err = tm.Authorize(context.Background(), "mock-user")
	if err != nil {
		t.Fatalf("second Authorize() error = %v", err)
	}
	if token.AccessToken != "access-3" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "access-3")
	}
}

func TestAuthorize_CoalescesConcurrentRefreshes(t *testing.T) {
	tm := newTestManager(t)
	tm.register(t)
	tm.clock.Advance(56 * time.Minute)

	const goroutines = 20

	// Hold every refresh until all goroutines are in flight, so they
	// all observe the stale credential before any refresh completes.
	release := make(chan struct{})
	inner := tm.provider.RefreshFunc
	tm.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.TokenPair, error) {
		<-release
		return inner(ctx, refreshToken)
	}

	var wg sync.WaitGroup
	tokens := make([]*Token, goroutines)
	errs := make([]error, goroutines)
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = tm.Authorize(context.Background(), "mock-user")
		}()
	}

	// Give the goroutines a moment to pile up on the lock, then
	// release the single upstream call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range goroutines {
		if errs[i] != nil {
			t.Fatalf("Authorize() #%d error = %v", i, errs[i])
		}
		if tokens[i].AccessToken != "access-2" {
			t.Errorf("Authorize() #%d token = %q, want %q", i, tokens[i].AccessToken, "access-2")
		}
	}
	if got := tm.provider.CallCount("Refresh"); got != 1 {
		t.Errorf("Refresh calls = %d, want 1 for %d concurrent Authorize calls", got, goroutines)
	}
}

func TestAuthorize_DistinctUsersDoNotSerialize(t *testing.T) {
	tm := newTestManager(t)

	ctx := context.Background()
	for _, id := range []string{"user-a", "user-b"} {
		enc := func(s string) string {
			out, err := tm.cipher.Encrypt(s)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			return out
		}
		cred := &storage.Credential{
			UserID:       id,
			AccessToken:  enc("old-access-" + id),
			RefreshToken: enc("old-refresh-" + id),
			LastUpdated:  tm.clock.Now().Add(-time.Hour),
		}
		if err := tm.store.Create(ctx, cred); err != nil {
			t.Fatalf("Create(%q) error = %v", id, err)
		}
	}

	// A stuck refresh for user-a must not block user-b.
	blockA := make(chan struct{})
	inner := tm.provider.RefreshFunc
	tm.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.TokenPair, error) {
		if refreshToken == "old-refresh-user-a" {
			<-blockA
		}
		return inner(ctx, refreshToken)
	}

	go tm.Authorize(ctx, "user-a")
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := tm.Authorize(ctx, "user-b")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Authorize(user-b) error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Authorize(user-b) blocked behind user-a's refresh")
	}
	close(blockA)
}

func TestAuthorize_RefreshFailureKeepsCredential(t *testing.T) {
	tm := newTestManager(t)
	tm.register(t)
	tm.clock.Advance(56 * time.Minute)

	tm.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.TokenPair, error) {
		return nil, &providers.UpstreamError{
			Operation:  "refresh",
			StatusCode: http.StatusUnauthorized,
			Message:    "invalid_grant: refresh token revoked",
		}
	}

	_, err := tm.Authorize(context.Background(), "mock-user")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) {
		t.Fatalf("Authorize() error = %v, want *Error", err)
	}
	if brokerErr.Code != ErrorCodeUpstreamError || brokerErr.Status != http.StatusUnauthorized {
		t.Errorf("error = %+v, want upstream_error with status 401", brokerErr)
	}

	// The credential stays so the user shows up in listings and a
	// later re-grant can overwrite it.
	if _, err := tm.store.Get(context.Background(), "mock-user"); err != nil {
		t.Errorf("credential deleted after failed refresh: %v", err)
	}
}

func TestAuthorize_CorruptCiphertext(t *testing.T) {
	tm := newTestManager(t)
	tm.register(t)

	err := tm.store.Update(context.Background(), "mock-user", storage.TokenUpdate{
		AccessToken:  "not.valid.ciphertext",
		RefreshToken: "also-bad",
		LastUpdated:  tm.clock.Now(),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	_, err = tm.Authorize(context.Background(), "mock-user")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) {
		t.Fatalf("Authorize() error = %v, want *Error", err)
	}
	if brokerErr.Code != ErrorCodeDecryptionError {
		t.Errorf("Code = %q, want %q", brokerErr.Code, ErrorCodeDecryptionError)
	}
	if brokerErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", brokerErr.Status)
	}
}

func TestRefresh_ForcesUpstreamCall(t *testing.T) {
	tm := newTestManager(t)
	tm.register(t)

	// Token is brand new; a forced refresh must still hit upstream.
	token, err := tm.Refresh(context.Background(), "mock-user")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !token.Refreshed {
		t.Error("Refreshed = false on forced refresh")
	}
	if token.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "access-2")
	}
	if got := tm.provider.CallCount("Refresh"); got != 1 {
		t.Errorf("Refresh calls = %d, want 1", got)
	}
}

func TestRefresh_UnknownUser(t *testing.T) {
	tm := newTestManager(t)

	_, err := tm.Refresh(context.Background(), "nobody")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) || brokerErr.Code != ErrorCodeUserNotFound {
		t.Errorf("Refresh() error = %v, want %s", err, ErrorCodeUserNotFound)
	}
}

func TestRevoke(t *testing.T) {
	tm := newTestManager(t)
	tm.register(t)

	var revokedToken string
	tm.provider.RevokeFunc = func(ctx context.Context, accessToken string) error {
		revokedToken = accessToken
		return nil
	}

	if err := tm.Revoke(context.Background(), "mock-user"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if revokedToken != "access-1" {
		t.Errorf("upstream revoke got %q, want the decrypted access token", revokedToken)
	}
	if _, err := tm.store.Get(context.Background(), "mock-user"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after Revoke error = %v, want ErrNotFound", err)
	}
}

func TestRevoke_UpstreamFailureKeepsCredential(t *testing.T) {
	tm := newTestManager(t)
	tm.register(t)

	tm.provider.RevokeFunc = func(ctx context.Context, accessToken string) error {
		return &providers.UpstreamError{
			Operation:  "revoke",
			StatusCode: http.StatusServiceUnavailable,
			Message:    "maintenance",
		}
	}

	err := tm.Revoke(context.Background(), "mock-user")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) || brokerErr.Code != ErrorCodeUpstreamError {
		t.Fatalf("Revoke() error = %v, want upstream_error", err)
	}

	// Credential must survive a failed revocation so it can be retried.
	if _, err := tm.store.Get(context.Background(), "mock-user"); err != nil {
		t.Errorf("credential deleted despite failed upstream revoke: %v", err)
	}
	if tm.store.CallCount("Delete") != 0 {
		t.Errorf("Delete calls = %d, want 0", tm.store.CallCount("Delete"))
	}
}

func TestRevoke_UnknownUser(t *testing.T) {
	tm := newTestManager(t)

	err := tm.Revoke(context.Background(), "nobody")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) || brokerErr.Code != ErrorCodeUserNotFound {
		t.Errorf("Revoke() error = %v, want %s", err, ErrorCodeUserNotFound)
	}
	if tm.provider.CallCount("Revoke") != 0 {
		t.Errorf("Revoke called upstream for unknown user")
	}
}

func TestListUsers(t *testing.T) {
	tm := newTestManager(t)

	users, err := tm.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 0 {
		t.Errorf("len(users) = %d, want 0", len(users))
	}

	tm.register(t)

	users, err = tm.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 1 || users[0].UserID != "mock-user" {
		t.Errorf("users = %v, want [mock-user]", users)
	}
}

func TestLifecycle_EndToEnd(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	registered := tm.register(t)
	if registered.Bearer() != "Bearer access-1" {
		t.Errorf("Bearer() = %q, want %q", registered.Bearer(), "Bearer access-1")
	}

	// Immediately after registration the stored token is served.
	token, err := tm.Authorize(ctx, "mock-user")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if token.Bearer() != "Bearer access-1" || token.Refreshed {
		t.Errorf("token = %+v, want stored access-1 without refresh", token)
	}

	// Past the freshness window, one refresh happens and the rotated
	// pair is served with an updated timestamp.
	tm.clock.Advance(56 * time.Minute)
	token, err = tm.Authorize(ctx, "mock-user")
	if err != nil {
		t.Fatalf("Authorize() after advance error = %v", err)
	}
	if token.Bearer() != "Bearer access-2" || !token.Refreshed {
		t.Errorf("token = %+v, want refreshed access-2", token)
	}
	if !token.LastUpdated.Equal(tm.clock.Now()) {
		t.Errorf("LastUpdated = %v, want %v", token.LastUpdated, tm.clock.Now())
	}
	if got := tm.provider.CallCount("Refresh"); got != 1 {
		t.Errorf("Refresh calls = %d, want 1", got)
	}

	// Revocation is terminal.
	if err := tm.Revoke(ctx, "mock-user"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	_, err = tm.Authorize(ctx, "mock-user")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) || brokerErr.Code != ErrorCodeUserNotFound {
		t.Errorf("Authorize() after Revoke error = %v, want %s", err, ErrorCodeUserNotFound)
	}
}

func TestAuthorize_StoreFailure(t *testing.T) {
	tm := newTestManager(t)
	tm.store.GetFunc = func(ctx context.Context, userID string) (*storage.Credential, error) {
		return nil, errors.New("connection reset")
	}

	_, err := tm.Authorize(context.Background(), "mock-user")
	var brokerErr *Error
	if !errors.As(err, &brokerErr) {
		t.Fatalf("Authorize() error = %v, want *Error", err)
	}
	if brokerErr.Code != ErrorCodeStoreError {
		t.Errorf("Code = %q, want %q", brokerErr.Code, ErrorCodeStoreError)
	}
	if brokerErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", brokerErr.Status)
	}
}
