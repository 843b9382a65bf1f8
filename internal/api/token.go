package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when a refresh produces an empty token.
	ErrNoToken = errors.New("api: no auth token available")
)

// TokenSource supplies the bearer token attached to API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, used by dev setups and tests.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// RefreshFunc obtains a fresh token, typically by exchanging a refresh
// token with the auth service. It lives in the consuming app.
type RefreshFunc func(ctx context.Context) (string, error)

// RefreshingToken caches a JWT and calls refresh shortly before it
// expires, so a sync pass never fails on a token that lapsed while the
// app sat in the background.
type RefreshingToken struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	leeway    time.Duration
	refresh   RefreshFunc
}

// NewRefreshingToken seeds the source with an initial token (may be
// empty) and the refresh callback.
func NewRefreshingToken(initial string, refresh RefreshFunc) *RefreshingToken {
	return &RefreshingToken{
		token:     initial,
		expiresAt: expiryOf(initial),
		leeway:    30 * time.Second,
		refresh:   refresh,
	}
}

func (r *RefreshingToken) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && !r.stale() {
		return r.token, nil
	}
	if r.refresh == nil {
		if r.token == "" {
			return "", ErrNoToken
		}
		return r.token, nil
	}

	token, err := r.refresh(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoToken
	}
	r.token = token
	r.expiresAt = expiryOf(token)
	return r.token, nil
}

// stale reports whether the cached token is within the refresh leeway
// of its expiry. Opaque tokens have no known expiry and never go stale.
func (r *RefreshingToken) stale() bool {
	if r.expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(r.leeway).After(r.expiresAt)
}

// expiryOf extracts the exp claim without verifying the signature; the
// client holds no signing secret, it only needs to know when to ask for
// a new token. Anything unparseable is treated as an opaque token.
func expiryOf(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
