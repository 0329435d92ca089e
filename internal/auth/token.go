// Package auth acquires and caches OAuth2 client-credentials tokens for the
// remote commerce tool server. Tokens are fetched lazily per application and
// reused until they expire.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Config configures the token endpoint.
type Config struct {
	// TokenURL is the OAuth2 token endpoint. Empty disables auth entirely.
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	// ApplicationID scopes issued tokens to one storefront application.
	ApplicationID string `yaml:"application_id"`
}

// TokenCache hands out access tokens, one token source per application id.
// Safe for concurrent use; the underlying oauth2 source refreshes expired
// tokens transparently.
type TokenCache struct {
	mu      sync.RWMutex
	config  Config
	logger  *slog.Logger
	sources map[string]oauth2.TokenSource
}

// NewTokenCache creates a token cache for the given endpoint.
func NewTokenCache(cfg Config, logger *slog.Logger) *TokenCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		config:  cfg,
		logger:  logger.With("component", "auth"),
		sources: make(map[string]oauth2.TokenSource),
	}
}

// AccessToken returns a valid access token for the application, fetching a
// fresh one only when the cached token has expired.
func (c *TokenCache) AccessToken(ctx context.Context, applicationID string) (string, error) {
	tok, err := c.source(ctx, applicationID).Token()
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	return tok.AccessToken, nil
}

func (c *TokenCache) source(ctx context.Context, applicationID string) oauth2.TokenSource {
	c.mu.RLock()
	ts, ok := c.sources[applicationID]
	c.mu.RUnlock()
	if ok {
		return ts
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.sources[applicationID]; ok {
		return ts
	}

	cc := &clientcredentials.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		TokenURL:     c.config.TokenURL,
		Scopes:       c.config.Scopes,
	}
	if applicationID != "" {
		cc.EndpointParams = url.Values{"application_id": {applicationID}}
	}
	// Background context: the source outlives any single request.
	ts = cc.TokenSource(context.Background())
	c.sources[applicationID] = ts
	c.logger.Debug("created token source", "application_id", applicationID)
	return ts
}

// ForApplication binds the cache to one application id, yielding the
// single-argument token source the protocol client expects.
func (c *TokenCache) ForApplication(applicationID string) *ApplicationTokens {
	return &ApplicationTokens{cache: c, applicationID: applicationID}
}

// ApplicationTokens is a TokenCache scoped to one application.
type ApplicationTokens struct {
	cache         *TokenCache
	applicationID string
}

// AccessToken implements protocol.TokenSource.
func (a *ApplicationTokens) AccessToken(ctx context.Context) (string, error) {
	return a.cache.AccessToken(ctx, a.applicationID)
}

// StaticToken is a fixed bearer token, used in tests and when the deployment
// fronts auth elsewhere.
type StaticToken string

// AccessToken implements protocol.TokenSource.
func (s StaticToken) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}
