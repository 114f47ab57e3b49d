package tasksync

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// the access token source consulted on every connect and every request
// an empty token means "no token" and requests go out unauthenticated
type TokenProvider interface {
	GetToken(ctx context.Context) (string, error)
}

type TokenProviderFunc func(ctx context.Context) (string, error)

func (self TokenProviderFunc) GetToken(ctx context.Context) (string, error) {
	return self(ctx)
}

type StaticTokenProvider string

func (self StaticTokenProvider) GetToken(ctx context.Context) (string, error) {
	return string(self), nil
}

// claims read from an access token without verifying the signature
// the server verifies; the client only needs expiry and identity
type TokenClaims struct {
	Subject   string
	Name      string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

func ParseTokenClaims(token string) (*TokenClaims, error) {
	mapClaims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, mapClaims)
	if err != nil {
		return nil, err
	}

	claims := &TokenClaims{}
	claims.Subject, _ = mapClaims.GetSubject()
	claims.Name, _ = mapClaims["name"].(string)
	if claims.Name == "" {
		claims.Name, _ = mapClaims["preferred_username"].(string)
	}
	claims.Email, _ = mapClaims["email"].(string)
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	return claims, nil
}

func (self *TokenClaims) ExpiresWithin(now time.Time, window time.Duration) bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(window).Before(self.ExpiresAt)
}

// returns a fresh access token, e.g. by calling the identity provider's token endpoint
// failures should be classified with `NewAuthServiceError`
type RefreshFunction func(ctx context.Context) (string, error)

// caches a token and refreshes it when it is about to expire
type RefreshingTokenProvider struct {
	refresh       RefreshFunction
	refreshWindow time.Duration

	stateLock sync.Mutex
	token     string
	claims    *TokenClaims
}

func NewRefreshingTokenProvider(token string, refresh RefreshFunction, refreshWindow time.Duration) *RefreshingTokenProvider {
	tokenProvider := &RefreshingTokenProvider{
		refresh:       refresh,
		refreshWindow: refreshWindow,
	}
	tokenProvider.setToken(token)
	return tokenProvider
}

func (self *RefreshingTokenProvider) setToken(token string) {
	self.token = token
	self.claims = nil
	if token != "" {
		if claims, err := ParseTokenClaims(token); err == nil {
			self.claims = claims
		}
	}
}

func (self *RefreshingTokenProvider) GetToken(ctx context.Context) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.token != "" && (self.claims == nil || !self.claims.ExpiresWithin(time.Now(), self.refreshWindow)) {
		return self.token, nil
	}
	if self.refresh == nil {
		return self.token, nil
	}

	token, err := self.refresh(ctx)
	if err != nil {
		return "", err
	}
	self.setToken(token)
	return token, nil
}
