// Package httpauth authenticates outgoing requests to the proxied FHIR
// server. The gateway never forwards the caller's token upstream; when the
// upstream requires authentication it uses its own OAuth2 client credentials.
package httpauth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// OAuth2Config holds the client credentials for the proxied FHIR server.
// When left empty, upstream requests are sent without an Authorization header.
type OAuth2Config struct {
	// TokenURL is the OAuth2 token endpoint URL
	TokenURL string `koanf:"tokenurl"`
	// ClientID is the OAuth2 client ID
	ClientID string `koanf:"clientid"`
	// ClientSecret is the OAuth2 client secret
	ClientSecret string `koanf:"clientsecret"`
	// Scopes is an optional list of scopes to request (space-separated in the request)
	Scopes []string `koanf:"scopes"`
}

// IsConfigured returns true if all required fields are set.
func (c OAuth2Config) IsConfigured() bool {
	return c.TokenURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// TokenFunc returns the bearer token for an outgoing request. An empty token
// means no Authorization header is added.
type TokenFunc func() (string, error)

// StaticToken returns a TokenFunc that always returns the same token.
func StaticToken(token string) TokenFunc {
	return func() (string, error) {
		return token, nil
	}
}

// NoAuth returns a TokenFunc that never adds an Authorization header.
func NoAuth() TokenFunc {
	return func() (string, error) {
		return "", nil
	}
}

// Transport is an http.RoundTripper that sets the Authorization header on
// outgoing requests. The token is fetched per request so refreshes are
// picked up transparently.
type Transport struct {
	// Base is the underlying RoundTripper. If nil, http.DefaultTransport is used.
	Base http.RoundTripper
	// GetToken supplies the bearer token. If nil or it returns an empty
	// string, no Authorization header is added.
	GetToken TokenFunc
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone before mutating, RoundTrippers must not modify the original request.
	clone := req.Clone(req.Context())
	if t.GetToken != nil {
		token, err := t.GetToken()
		if err != nil {
			return nil, fmt.Errorf("failed to get auth token: %w", err)
		}
		if token != "" {
			clone.Header.Set("Authorization", "Bearer "+token)
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// WrapTransport layers upstream authentication over the given base transport.
// When the configuration is incomplete the base transport is returned as-is,
// so an unauthenticated upstream needs no special casing in callers.
func WrapTransport(config OAuth2Config, base http.RoundTripper) http.RoundTripper {
	if !config.IsConfigured() {
		return base
	}
	return &Transport{
		Base:     base,
		GetToken: NewTokenSource(config, nil).Token,
	}
}

// TokenSource caches a client-credentials token and refreshes it shortly
// before expiry. Safe for concurrent use.
type TokenSource struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	config OAuth2Config
	// earlyRefresh is subtracted from the token lifetime so a refresh
	// happens before the upstream starts rejecting the old token.
	earlyRefresh time.Duration
	httpClient   *http.Client
}

// NewTokenSource creates a TokenSource for the given client credentials.
// httpClient may be nil, in which case a client with a 30 second timeout is used.
func NewTokenSource(config OAuth2Config, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenSource{
		config:       config,
		earlyRefresh: 30 * time.Second,
		httpClient:   httpClient,
	}
}

// Token returns a valid access token, fetching a new one when the cached
// token is expired or about to expire.
func (s *TokenSource) Token() (string, error) {
	s.mu.RLock()
	if time.Now().Before(s.expiresAt.Add(-s.earlyRefresh)) {
		token := s.token
		s.mu.RUnlock()
		return token, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have refreshed while we waited for the lock.
	if time.Now().Before(s.expiresAt.Add(-s.earlyRefresh)) {
		return s.token, nil
	}

	token, expiresIn, err := s.fetch()
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	s.token = token
	s.expiresAt = time.Now().Add(expiresIn)
	return token, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// fetch performs the OAuth2 client credentials grant.
func (s *TokenSource) fetch() (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.config.ClientID},
		"client_secret": {s.config.ClientSecret},
	}
	if len(s.config.Scopes) > 0 {
		form.Set("scope", strings.Join(s.config.Scopes, " "))
	}

	req, err := http.NewRequest(http.MethodPost, s.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("failed to parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", 0, fmt.Errorf("token response did not contain access_token")
	}

	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		// Token endpoints are not required to return expires_in.
		expiresIn = time.Hour
	}
	return parsed.AccessToken, expiresIn, nil
}
