package ghclient

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

// renewAhead is how far before real expiry a cached token is treated as
// stale, for both the application JWT and installation access tokens.
const renewAhead = 30 * time.Second

// appTokenLifespan is the lifetime of a freshly minted application JWT.
const appTokenLifespan = 600 * time.Second

// Credentials is the bot's immutable application identity: its app id and
// the RSA private key used to sign application JWTs.
type Credentials struct {
	AppID      string
	PrivateKey *rsa.PrivateKey
}

// Token is an opaque bearer token together with the instant at which the
// cache should treat it as stale and mint a replacement.
type Token struct {
	Token         string
	RenewDeadline time.Time
}

// fresh reports whether the token may still be used at t.
func (tok Token) fresh(t time.Time) bool {
	return t.Before(tok.RenewDeadline)
}

// GenerateAppToken mints a new RS256-signed application JWT with claims
// {iat, exp, iss: app_id}. Minting is purely local — no network I/O.
func (c Credentials) GenerateAppToken() (Token, error) {
	now := time.Now()
	exp := now.Add(appTokenLifespan)

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		Issuer:    c.AppID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.PrivateKey)
	if err != nil {
		return Token{}, err
	}

	return Token{Token: signed, RenewDeadline: claims.ExpiresAt.Time.Add(-renewAhead)}, nil
}

// TokenCache holds one optional application token and a mapping from
// Repository to installation access token. It is shared across concurrent
// request handlers behind a mutex.
//
// The mutex is held only long enough to read or write a cache slot — never
// across the network I/O that installation-token minting requires. A
// singleflight group collapses concurrent installation-token mint calls
// for the same repository into one in-flight request; racing app-token
// renewals are tolerated (tokens are idempotently mintable) rather than
// serialized.
type TokenCache struct {
	mu                   sync.Mutex
	appToken             *Token
	installationTokens   map[Repository]Token
	installationInflight singleflight.Group
}

// NewTokenCache returns an empty TokenCache ready for concurrent use.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		installationTokens: make(map[Repository]Token),
	}
}

// AppToken returns a fresh application JWT, minting one if the cached copy
// is absent or past its renew deadline.
func (c *TokenCache) AppToken(credentials Credentials) (Token, error) {
	c.mu.Lock()
	cached := c.appToken
	c.mu.Unlock()

	now := time.Now()
	if cached != nil && cached.fresh(now) {
		return *cached, nil
	}

	token, err := credentials.GenerateAppToken()
	if err != nil {
		return Token{}, err
	}

	c.mu.Lock()
	c.appToken = &token
	c.mu.Unlock()

	return token, nil
}

// mintFunc mints a fresh installation token for a repository; it performs
// network I/O and must not be called while the cache mutex is held.
type mintFunc func(ctx context.Context, repo Repository) (Token, error)

// InstallationToken returns a fresh installation access token for repo,
// minting one via mint if the cached copy is absent or past its renew
// deadline. Concurrent callers for the same repository share one in-flight
// mint via singleflight.
func (c *TokenCache) InstallationToken(ctx context.Context, repo Repository, mint mintFunc) (Token, error) {
	c.mu.Lock()
	cached, ok := c.installationTokens[repo]
	c.mu.Unlock()

	if ok && cached.fresh(time.Now()) {
		return cached, nil
	}

	result, err, _ := c.installationInflight.Do(repo.String(), func() (any, error) {
		return mint(ctx, repo)
	})
	if err != nil {
		return Token{}, err
	}

	token := result.(Token) //nolint:forcetypeassert // only this closure populates the group

	c.mu.Lock()
	c.installationTokens[repo] = token
	c.mu.Unlock()

	return token, nil
}
