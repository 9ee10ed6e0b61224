// Package mock provides a mock implementation of the upstream OAuth
// client for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/meetkit/zoom-token-broker/providers"
)

// Provider is a mock implementation of providers.Provider. Each
// method delegates to a replaceable Func field and counts calls; the
// defaults issue deterministic rotating token pairs so lifecycle
// tests can assert on rotation without configuring anything.
type Provider struct {
	mu         sync.Mutex
	callCounts map[string]int
	generation int

	NameFunc             func() string
	AuthorizationURLFunc func(state string) string
	ExchangeCodeFunc     func(ctx context.Context, code string) (*providers.TokenPair, error)
	RefreshFunc          func(ctx context.Context, refreshToken string) (*providers.TokenPair, error)
	RevokeFunc           func(ctx context.Context, accessToken string) error
	MeFunc               func(ctx context.Context, accessToken string) (*providers.UserInfo, error)
}

// Compile-time interface check.
var _ providers.Provider = (*Provider)(nil)

// NewProvider creates a mock provider with deterministic defaults.
func NewProvider() *Provider {
	m := &Provider{
		callCounts: make(map[string]int),
	}

	m.NameFunc = func() string { return "mock" }

	m.AuthorizationURLFunc = func(state string) string {
		return "https://auth.example.com/authorize?state=" + state
	}

	m.ExchangeCodeFunc = func(ctx context.Context, code string) (*providers.TokenPair, error) {
		return m.nextPair(), nil
	}

	m.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.TokenPair, error) {
		return m.nextPair(), nil
	}

	m.RevokeFunc = func(ctx context.Context, accessToken string) error { return nil }

	m.MeFunc = func(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
		return &providers.UserInfo{
			ID:          "mock-user",
			Email:       "mock-user@example.com",
			DisplayName: "Mock User",
		}, nil
	}

	return m
}

// nextPair issues a fresh token pair. Each pair carries a generation
// number so tests can tell rotations apart.
func (m *Provider) nextPair() *providers.TokenPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	return &providers.TokenPair{
		AccessToken:  fmt.Sprintf("access-%d", m.generation),
		RefreshToken: fmt.Sprintf("refresh-%d", m.generation),
	}
}

func (m *Provider) count(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// CallCount returns how many times the named method was invoked.
func (m *Provider) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// Name implements providers.Provider.
func (m *Provider) Name() string {
	m.count("Name")
	return m.NameFunc()
}

// AuthorizationURL implements providers.Provider.
func (m *Provider) AuthorizationURL(state string) string {
	m.count("AuthorizationURL")
	return m.AuthorizationURLFunc(state)
}

// ExchangeCode implements providers.Provider.
func (m *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenPair, error) {
	m.count("ExchangeCode")
	return m.ExchangeCodeFunc(ctx, code)
}

// Refresh implements providers.Provider.
func (m *Provider) Refresh(ctx context.Context, refreshToken string) (*providers.TokenPair, error) {
	m.count("Refresh")
	return m.RefreshFunc(ctx, refreshToken)
}

// Revoke implements providers.Provider.
func (m *Provider) Revoke(ctx context.Context, accessToken string) error {
	m.count("Revoke")
	return m.RevokeFunc(ctx, accessToken)
}

// Me implements providers.Provider.
func (m *Provider) Me(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	m.count("Me")
	return m.MeFunc(ctx, accessToken)
}
