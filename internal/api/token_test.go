package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	if err != nil || tok != "abc" {
		t.Fatalf("got %q, %v", tok, err)
	}
	if _, err := StaticToken("").Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("empty static token: %v", err)
	}
}

func TestRefreshingTokenKeepsValidToken(t *testing.T) {
	initial := signedToken(t, time.Now().Add(time.Hour))
	refreshes := 0
	source := NewRefreshingToken(initial, func(ctx context.Context) (string, error) {
		refreshes++
		return "should-not-be-used", nil
	})

	for i := 0; i < 3; i++ {
		tok, err := source.Token(context.Background())
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if tok != initial {
			t.Fatalf("token replaced while still valid")
		}
	}
	if refreshes != 0 {
		t.Fatalf("refresh called %d times for a valid token", refreshes)
	}
}

func TestRefreshingTokenRefreshesExpired(t *testing.T) {
	initial := signedToken(t, time.Now().Add(-time.Minute))
	refreshes := 0
	source := NewRefreshingToken(initial, func(ctx context.Context) (string, error) {
		refreshes++
		return "opaque-fresh", nil
	})

	tok, err := source.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "opaque-fresh" {
		t.Fatalf("token = %q, want refreshed", tok)
	}

	// Opaque replacement has no exp claim; it never goes stale.
	if _, err := source.Token(context.Background()); err != nil {
		t.Fatalf("second token: %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("refresh called %d times, want 1", refreshes)
	}
}

func TestRefreshingTokenPropagatesFailure(t *testing.T) {
	initial := signedToken(t, time.Now().Add(-time.Minute))
	source := NewRefreshingToken(initial, func(ctx context.Context) (string, error) {
		return "", errors.New("auth service down")
	})
	if _, err := source.Token(context.Background()); err == nil {
		t.Fatal("expected refresh failure to surface")
	}
}

func TestRefreshingTokenWithoutCallback(t *testing.T) {
	// No refresh configured: an expired token is still better than none.
	initial := signedToken(t, time.Now().Add(-time.Minute))
	source := NewRefreshingToken(initial, nil)
	tok, err := source.Token(context.Background())
	if err != nil || tok != initial {
		t.Fatalf("got %q, %v", tok, err)
	}
}

func TestExpiryOfOpaqueToken(t *testing.T) {
	if !expiryOf("not-a-jwt").IsZero() {
		t.Fatal("opaque token must have zero expiry")
	}
	if !expiryOf("").IsZero() {
		t.Fatal("empty token must have zero expiry")
	}
}
