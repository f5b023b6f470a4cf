// Package auth supplies access credentials for uploads and thread-service
// calls.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/medvoice/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields a bearer token for the current session. An empty token
// means the user is not authenticated and the current attempt must fail.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// RefreshFunc fetches a fresh access token from the session service.
type RefreshFunc func(ctx context.Context) (string, error)

// StaticTokenSource returns a fixed token. Used in tests and by hosts that
// manage refresh themselves.
type StaticTokenSource struct {
	Token string
}

func (s *StaticTokenSource) AccessToken(ctx context.Context) (string, error) {
	if s.Token == "" {
		return "", common.ErrorNotAuthenticated
	}
	return s.Token, nil
}

// CachingTokenSource caches the last token and refreshes it once its JWT
// expiry comes within Leeway of the current time. Tokens that are not JWTs
// are passed through untouched.
type CachingTokenSource struct {
	mu      sync.Mutex
	token   string
	refresh RefreshFunc
	leeway  time.Duration
	now     func() time.Time
}

func NewCachingTokenSource(refresh RefreshFunc, leeway time.Duration) *CachingTokenSource {
	return &CachingTokenSource{refresh: refresh, leeway: leeway, now: time.Now}
}

func (s *CachingTokenSource) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && !s.expiringSoon(s.token) {
		return s.token, nil
	}

	if s.refresh == nil {
		return "", common.ErrorNotAuthenticated
	}

	token, err := s.refresh(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", common.ErrorNotAuthenticated
	}

	s.token = token
	return token, nil
}

// expiringSoon inspects the token's exp claim without verifying the
// signature; verification happens server-side.
func (s *CachingTokenSource) expiringSoon(token string) bool {
	claims := &jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		// Not a JWT: nothing to inspect, assume usable.
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return s.now().Add(s.leeway).After(claims.ExpiresAt.Time)
}
