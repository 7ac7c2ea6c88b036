// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package azure holds thin REST clients for the workspace control
// plane (run history, artifacts, assets, connections) and for blob
// storage. The clients speak plain HTTP through pkg/httpclient rather
// than a vendor SDK, which keeps the runtime image small and the retry
// behavior uniform.
package azure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenProvider supplies bearer tokens for outbound calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, used for caller-supplied workspace
// access tokens and in tests.
type StaticToken string

// Token implements TokenProvider.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// refreshSkew is how long before expiry a cached token is discarded.
const refreshSkew = 5 * time.Minute

// CachingTokenProvider wraps another provider and caches its token
// until shortly before the JWT exp claim. Tokens that do not parse as
// JWTs are cached for one minute.
type CachingTokenProvider struct {
	inner TokenProvider

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewCachingTokenProvider wraps inner with expiry-aware caching.
func NewCachingTokenProvider(inner TokenProvider) *CachingTokenProvider {
	return &CachingTokenProvider{inner: inner}
}

// Token implements TokenProvider.
func (c *CachingTokenProvider) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expires) {
		return c.token, nil
	}

	tok, err := c.inner.Token(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	c.expires = tokenExpiry(tok)
	return tok, nil
}

// tokenExpiry extracts the exp claim minus the refresh skew. The token
// is parsed unverified: we are the bearer, not the audience, and only
// need the expiry for cache scheduling.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Now().Add(time.Minute)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(time.Minute)
	}
	return exp.Time.Add(-refreshSkew)
}

// ClientCredentialsProvider obtains tokens with the OAuth2 client
// credentials grant, as the runtime's managed identity does.
type ClientCredentialsProvider struct {
	source oauth2.TokenSource
}

// NewClientCredentialsProvider builds a provider from identity config.
func NewClientCredentialsProvider(tokenURL, clientID, clientSecret, scope string) *ClientCredentialsProvider {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{scope},
	}
	return &ClientCredentialsProvider{source: cfg.TokenSource(context.Background())}
}

// Token implements TokenProvider.
func (p *ClientCredentialsProvider) Token(ctx context.Context) (string, error) {
	tok, err := p.source.Token()
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}
	return tok.AccessToken, nil
}
