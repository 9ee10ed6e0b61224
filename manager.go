package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/meetkit/zoom-token-broker/instrumentation"
	"github.com/meetkit/zoom-token-broker/internal/keylock"
	"github.com/meetkit/zoom-token-broker/providers"
	"github.com/meetkit/zoom-token-broker/security"
	"github.com/meetkit/zoom-token-broker/storage"
)

// Manager owns the credential lifecycle: registering users from an
// authorization-code grant, serving fresh access tokens, refreshing
// stale ones, and revoking credentials.
//
// Refreshes are serialized per user because the authorization server
// rotates refresh tokens: two concurrent refreshes with the same
// refresh token would race, and the loser's grant invalidates the
// winner's stored pair. Different users never contend.
type Manager struct {
	store    storage.Store
	provider providers.Provider
	cipher   *security.Cipher
	locks    *keylock.Map
	logger   *slog.Logger
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer

	staleAfter      time.Duration
	upstreamTimeout time.Duration

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewManager creates a credential lifecycle manager.
func NewManager(store storage.Store, provider providers.Provider, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.withDefaults()

	cipher, err := security.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Manager{
		store:           store,
		provider:        provider,
		cipher:          cipher,
		locks:           keylock.New(),
		logger:          cfg.Logger,
		auditor:         security.NewAuditor(cfg.Logger, cfg.Security.EnableAuditLogging),
		metrics:         cfg.Instrumentation.Metrics(),
		tracer:          cfg.Instrumentation.Tracer("broker"),
		staleAfter:      cfg.StaleAfter,
		upstreamTimeout: cfg.UpstreamTimeout,
		now:             time.Now,
	}, nil
}

// AuthorizationURL generates the upstream authorization URL for the
// one-time user grant.
func (m *Manager) AuthorizationURL(state string) string {
	return m.provider.AuthorizationURL(state)
}

// Register exchanges an authorization code for a token pair, resolves
// the user's identity, and stores the encrypted credential. Re-running
// the grant for an already-registered user is a no-op: the stored pair
// is kept and served as-is, so a stray re-authorization cannot clobber
// a pair that concurrent refreshes are rotating.
func (m *Manager) Register(ctx context.Context, code string) (*Token, error) {
	ctx, span := m.tracer.Start(ctx, "broker.Register")
	defer span.End()

	if code == "" {
		return nil, ErrInvalidRequest("authorization code is required")
	}

	pair, err := m.exchangeCode(ctx, code)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, m.mapUpstreamError(err)
	}

	user, err := m.fetchIdentity(ctx, pair.AccessToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, m.mapUpstreamError(err)
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrUserID, security.HashIdentifier(user.ID)))

	unlock := m.locks.Lock(user.ID)
	defer unlock()

	updatedAt := m.now().UTC()
	created, err := m.persistPair(ctx, user.ID, user.Email, pair, updatedAt)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if !created {
		// Already linked: keep the stored pair and serve it.
		cred, err := m.store.Get(ctx, user.ID)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, m.mapStoreError(user.ID, err)
		}
		token, err := m.decryptToken(cred, false)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		instrumentation.SetSpanSuccess(span)
		return token, nil
	}

	m.metrics.UserRegistered.Add(ctx, 1)
	m.auditor.Event(security.EventUserRegistered, user.ID)
	m.logger.Info("Registered user credential",
		"user_hash", security.HashIdentifier(user.ID))

	instrumentation.SetSpanSuccess(span)
	return &Token{
		UserID:      user.ID,
		Email:       user.Email,
		AccessToken: pair.AccessToken,
		LastUpdated: updatedAt,
		Refreshed:   false,
	}, nil
}

// Authorize returns a usable access token for the user. A stored token
// younger than the staleness window is served as-is; otherwise the
// refresh token is exchanged upstream for a new pair, which is
// persisted before the new access token is returned.
//
// Concurrent calls for the same stale user coalesce: one goroutine
// performs the refresh, the rest serve its result.
func (m *Manager) Authorize(ctx context.Context, userID string) (*Token, error) {
	ctx, span := m.tracer.Start(ctx, "broker.Authorize",
		trace.WithAttributes(attribute.String(instrumentation.AttrUserID, security.HashIdentifier(userID))))
	defer span.End()

	if userID == "" {
		return nil, ErrInvalidRequest("user ID is required")
	}

	cred, err := m.store.Get(ctx, userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, m.mapStoreError(userID, err)
	}

	// Fast path: serve a fresh token without taking the per-user lock.
	if m.fresh(cred.LastUpdated) {
		token, err := m.decryptToken(cred, false)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		m.metrics.AuthorizeRequests.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool(instrumentation.AttrStale, false)))
		instrumentation.SetSpanSuccess(span)
		return token, nil
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	// Re-check under the lock: a concurrent Authorize may have already
	// refreshed while this goroutine waited.
	cred, err = m.store.Get(ctx, userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, m.mapStoreError(userID, err)
	}
	if m.fresh(cred.LastUpdated) {
		token, err := m.decryptToken(cred, false)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		m.metrics.RefreshCoalesced.Add(ctx, 1)
		m.metrics.AuthorizeRequests.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool(instrumentation.AttrStale, false)))
		instrumentation.SetSpanSuccess(span)
		return token, nil
	}

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrStale, true))

	token, err := m.refreshLocked(ctx, cred)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	m.metrics.AuthorizeRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool(instrumentation.AttrStale, true)))
	instrumentation.SetSpanSuccess(span)
	return token, nil
}

// Refresh forces an upstream refresh for the user regardless of how
// fresh the stored token is. It still serializes with other refreshes
// for the same user.
func (m *Manager) Refresh(ctx context.Context, userID string) (*Token, error) {
	ctx, span := m.tracer.Start(ctx, "broker.Refresh",
		trace.WithAttributes(attribute.String(instrumentation.AttrUserID, security.HashIdentifier(userID))))
	defer span.End()

	if userID == "" {
		return nil, ErrInvalidRequest("user ID is required")
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	cred, err := m.store.Get(ctx, userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, m.mapStoreError(userID, err)
	}

	token, err := m.refreshLocked(ctx, cred)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.SetSpanSuccess(span)
	return token, nil
}

// Revoke invalidates the user's access token upstream and deletes the
// stored credential. The row is deleted only after the authorization
// server confirms revocation; an upstream failure leaves the
// credential in place so the operation can be retried.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	ctx, span := m.tracer.Start(ctx, "broker.Revoke",
		trace.WithAttributes(attribute.String(instrumentation.AttrUserID, security.HashIdentifier(userID))))
	defer span.End()

	if userID == "" {
		return ErrInvalidRequest("user ID is required")
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	cred, err := m.store.Get(ctx, userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return m.mapStoreError(userID, err)
	}

	accessToken, err := m.cipher.Decrypt(cred.AccessToken)
	if err != nil {
		m.auditor.Event(security.EventDecryptFailure, userID, "field", "access_token")
		instrumentation.RecordError(span, err)
		return ErrDecryption("stored access token is unreadable")
	}

	if err := m.revokeUpstream(ctx, accessToken); err != nil {
		m.logger.Warn("Upstream revocation failed, keeping credential",
			"user_hash", security.HashIdentifier(userID),
			"error", err)
		instrumentation.RecordError(span, err)
		return m.mapUpstreamError(err)
	}

	if err := m.store.Delete(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		instrumentation.RecordError(span, err)
		return m.mapStoreError(userID, err)
	}

	m.metrics.TokenRevoked.Add(ctx, 1)
	m.auditor.Event(security.EventTokenRevoked, userID)
	m.logger.Info("Revoked and deleted credential",
		"user_hash", security.HashIdentifier(userID))

	instrumentation.SetSpanSuccess(span)
	return nil
}

// ListUsers returns all registered users, sorted by user ID.
func (m *Manager) ListUsers(ctx context.Context) ([]UserEntry, error) {
	users, err := m.store.List(ctx)
	if err != nil {
		return nil, ErrStore("failed to list users")
	}

	entries := make([]UserEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, UserEntry{UserID: u.UserID, Email: u.Email})
	}
	return entries, nil
}

// Ping reports whether the credential store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// fresh reports whether a token written at lastUpdated is still inside
// the staleness window.
func (m *Manager) fresh(lastUpdated time.Time) bool {
	return m.now().Sub(lastUpdated) < m.staleAfter
}

// refreshLocked exchanges the stored refresh token for a new pair and
// persists it. The caller must hold the per-user lock.
func (m *Manager) refreshLocked(ctx context.Context, cred *storage.Credential) (*Token, error) {
	refreshToken, err := m.cipher.Decrypt(cred.RefreshToken)
	if err != nil {
		m.auditor.Event(security.EventDecryptFailure, cred.UserID, "field", "refresh_token")
		return nil, ErrDecryption("stored refresh token is unreadable")
	}

	pair, err := m.refreshUpstream(ctx, refreshToken)
	if err != nil {
		m.auditor.Event(security.EventAuthorizeDenied, cred.UserID)
		return nil, m.mapUpstreamError(err)
	}

	updatedAt := m.now().UTC()
	if err := m.persistUpdate(ctx, cred.UserID, pair, updatedAt); err != nil {
		return nil, err
	}

	m.metrics.TokenRefreshed.Add(ctx, 1)
	m.auditor.Event(security.EventTokenRefreshed, cred.UserID)
	m.logger.Debug("Refreshed credential",
		"user_hash", security.HashIdentifier(cred.UserID))

	return &Token{
		UserID:      cred.UserID,
		Email:       cred.Email,
		AccessToken: pair.AccessToken,
		LastUpdated: updatedAt,
		Refreshed:   true,
	}, nil
}

// decryptToken converts a stored credential into the caller-facing
// token view.
func (m *Manager) decryptToken(cred *storage.Credential, refreshed bool) (*Token, error) {
	accessToken, err := m.cipher.Decrypt(cred.AccessToken)
	if err != nil {
		m.auditor.Event(security.EventDecryptFailure, cred.UserID, "field", "access_token")
		return nil, ErrDecryption("stored access token is unreadable")
	}

	return &Token{
		UserID:      cred.UserID,
		Email:       cred.Email,
		AccessToken: accessToken,
		LastUpdated: cred.LastUpdated,
		Refreshed:   refreshed,
	}, nil
}

// persistPair encrypts and stores a brand-new credential. It reports
// created=false without writing when the user is already registered.
func (m *Manager) persistPair(ctx context.Context, userID, email string, pair *providers.TokenPair, updatedAt time.Time) (created bool, err error) {
	encAccess, err := m.cipher.Encrypt(pair.AccessToken)
	if err != nil {
		return false, ErrStore("failed to encrypt access token")
	}
	encRefresh, err := m.cipher.Encrypt(pair.RefreshToken)
	if err != nil {
		return false, ErrStore("failed to encrypt refresh token")
	}

	err = m.store.Create(ctx, &storage.Credential{
		UserID:       userID,
		Email:        email,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		LastUpdated:  updatedAt,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, m.mapStoreError(userID, err)
	}
	return true, nil
}

// persistUpdate encrypts and stores a refreshed token pair.
func (m *Manager) persistUpdate(ctx context.Context, userID string, pair *providers.TokenPair, updatedAt time.Time) error {
	encAccess, err := m.cipher.Encrypt(pair.AccessToken)
	if err != nil {
		return ErrStore("failed to encrypt access token")
	}
	encRefresh, err := m.cipher.Encrypt(pair.RefreshToken)
	if err != nil {
		return ErrStore("failed to encrypt refresh token")
	}

	err = m.store.Update(ctx, userID, storage.TokenUpdate{
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		LastUpdated:  updatedAt,
	})
	if err != nil {
		return m.mapStoreError(userID, err)
	}
	return nil
}

// exchangeCode calls the provider's code exchange with the upstream
// timeout and instrumentation applied.
func (m *Manager) exchangeCode(ctx context.Context, code string) (*providers.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, m.upstreamTimeout)
	defer cancel()

	start := m.now()
	pair, err := m.provider.ExchangeCode(ctx, code)
	m.observeProviderCall(ctx, "exchange_code", start, err)
	return pair, err
}

// refreshUpstream calls the provider's refresh with the upstream
// timeout and instrumentation applied.
func (m *Manager) refreshUpstream(ctx context.Context, refreshToken string) (*providers.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, m.upstreamTimeout)
	defer cancel()

	start := m.now()
	pair, err := m.provider.Refresh(ctx, refreshToken)
	m.observeProviderCall(ctx, "refresh", start, err)
	return pair, err
}

// revokeUpstream calls the provider's revocation with the upstream
// timeout and instrumentation applied.
func (m *Manager) revokeUpstream(ctx context.Context, accessToken string) error {
	ctx, cancel := context.WithTimeout(ctx, m.upstreamTimeout)
	defer cancel()

	start := m.now()
	err := m.provider.Revoke(ctx, accessToken)
	m.observeProviderCall(ctx, "revoke", start, err)
	return err
}

// fetchIdentity resolves the user behind an access token.
func (m *Manager) fetchIdentity(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, m.upstreamTimeout)
	defer cancel()

	start := m.now()
	user, err := m.provider.Me(ctx, accessToken)
	m.observeProviderCall(ctx, "me", start, err)
	return user, err
}

// observeProviderCall records metrics for one upstream call.
func (m *Manager) observeProviderCall(ctx context.Context, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(
		attribute.String(instrumentation.AttrProviderName, m.provider.Name()),
		attribute.String(instrumentation.AttrProviderOperation, operation),
	)
	m.metrics.ProviderCallsTotal.Add(ctx, 1, attrs)
	m.metrics.ProviderCallDuration.Record(ctx, float64(m.now().Sub(start).Milliseconds()), attrs)
	if err != nil {
		m.metrics.ProviderCallErrors.Add(ctx, 1, attrs)
	}
}

// mapStoreError converts storage errors into broker errors.
func (m *Manager) mapStoreError(userID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUserNotFound(userID)
	}
	m.logger.Error("Credential store operation failed", "error", err)
	return ErrStore("credential store is unavailable")
}

// mapUpstreamError converts provider errors into broker errors,
// passing the upstream status and message through.
func (m *Manager) mapUpstreamError(err error) error {
	var upstreamErr *providers.UpstreamError
	if errors.As(err, &upstreamErr) {
		return ErrUpstream(upstreamErr.StatusCode, upstreamErr.Message)
	}
	return ErrUpstream(0, err.Error())
}
