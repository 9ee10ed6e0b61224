// Package zoom implements the upstream OAuth client for Zoom.
//
// Zoom's user-level OAuth flow uses the standard authorization-code
// grant with one notable property: every successful refresh rotates
// the refresh token, invalidating the previous one. Callers must
// persist the returned pair before using it.
package zoom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/meetkit/zoom-token-broker/providers"
)

const (
	// DefaultAuthURL is Zoom's authorization endpoint.
	DefaultAuthURL = "https://zoom.us/oauth/authorize"

	// DefaultTokenURL is Zoom's token endpoint, used for both the
	// code exchange and refreshes.
	DefaultTokenURL = "https://zoom.us/oauth/token"

	// DefaultRevokeURL is Zoom's token revocation endpoint.
	DefaultRevokeURL = "https://zoom.us/oauth/revoke"

	// DefaultAPIBaseURL is the base URL for Zoom's REST API.
	DefaultAPIBaseURL = "https://api.zoom.us/v2"

	// maxErrorBodySize caps how much of an upstream error body is
	// read and passed through.
	maxErrorBodySize = 4096
)

// Config holds configuration for the Zoom provider.
type Config struct {
	// ClientID is the OAuth app's client ID (required).
	ClientID string

	// ClientSecret is the OAuth app's client secret (required).
	ClientSecret string

	// RedirectURL is the registered redirect URL (required).
	RedirectURL string

	// AuthURL overrides the authorization endpoint (for testing).
	AuthURL string

	// TokenURL overrides the token endpoint (for testing).
	TokenURL string

	// RevokeURL overrides the revocation endpoint (for testing).
	RevokeURL string

	// APIBaseURL overrides the REST API base URL (for testing).
	APIBaseURL string

	// HTTPClient is the client used for all upstream calls. Defaults
	// to a client with a 30-second timeout.
	HTTPClient *http.Client

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Provider is the Zoom implementation of providers.Provider.
type Provider struct {
	oauth      *oauth2.Config
	revokeURL  string
	apiBaseURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// Compile-time interface check.
var _ providers.Provider = (*Provider)(nil)

// New creates a new Zoom provider.
func New(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("zoom client ID and secret are required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("zoom redirect URL is required")
	}

	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = DefaultRevokeURL
	}
	apiBaseURL := cfg.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		revokeURL:  revokeURL,
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "zoom"
}

// AuthorizationURL generates the Zoom authorization URL.
func (p *Provider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for a token pair.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenPair, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, p.upstreamError("exchange_code", err)
	}

	return tokenPair("exchange_code", token)
}

// Refresh exchanges a refresh token for a new token pair. Zoom
// rotates the refresh token on every grant.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*providers.TokenPair, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	// Force the grant by presenting a token that is already expired.
	src := p.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})

	token, err := src.Token()
	if err != nil {
		return nil, p.upstreamError("refresh", err)
	}

	return tokenPair("refresh", token)
}

// Revoke invalidates an access token at Zoom. Zoom's revocation
// endpoint takes the token as a form parameter and authenticates the
// app with Basic auth.
func (p *Provider) Revoke(ctx context.Context, accessToken string) error {
	form := url.Values{"token": {accessToken}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.oauth.ClientID), url.QueryEscape(p.oauth.ClientSecret))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &providers.UpstreamError{Operation: "revoke", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &providers.UpstreamError{
			Operation:  "revoke",
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
		}
	}

	return nil
}

// Me fetches the identity of the user the access token belongs to.
func (p *Provider) Me(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/users/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &providers.UpstreamError{Operation: "me", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &providers.UpstreamError{
			Operation:  "me",
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
		}
	}

	var user struct {
		ID          string `json:"id"`
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		FirstName   string `json:"first_name"`
		LastName    string `json:"last_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("zoom user info is missing an id")
	}

	name := user.DisplayName
	if name == "" {
		name = strings.TrimSpace(user.FirstName + " " + user.LastName)
	}

	return &providers.UserInfo{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: name,
	}, nil
}

// tokenPair validates a token response and converts it. Zoom always
// issues both tokens; a grant without a refresh token would strand the
// credential, so it is rejected.
func tokenPair(op string, token *oauth2.Token) (*providers.TokenPair, error) {
	if token.AccessToken == "" {
		return nil, &providers.UpstreamError{Operation: op, Message: "token response has no access token"}
	}
	if token.RefreshToken == "" {
		return nil, &providers.UpstreamError{Operation: op, Message: "token response has no refresh token"}
	}
	return &providers.TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}, nil
}

// upstreamError converts an oauth2 error into an UpstreamError,
// preserving the upstream status and body when the server responded.
func (p *Provider) upstreamError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		msg := string(retrieveErr.Body)
		if retrieveErr.ErrorCode != "" {
			msg = retrieveErr.ErrorCode
			if retrieveErr.ErrorDescription != "" {
				msg += ": " + retrieveErr.ErrorDescription
			}
		}
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &providers.UpstreamError{Operation: op, StatusCode: status, Message: msg}
	}
	return &providers.UpstreamError{Operation: op, Message: err.Error()}
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil || len(body) == 0 {
		return "(no response body)"
	}
	return strings.TrimSpace(string(body))
}
