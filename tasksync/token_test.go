package tasksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"
)

func testToken(t *testing.T, subject string, expiresAt time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"name":  "Nurse Test",
		"email": "nurse@example.com",
		"exp":   expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)
	return signed
}

func TestParseTokenClaims(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, err := ParseTokenClaims(testToken(t, "user-1", expiresAt))
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.Subject, "user-1")
	assert.Equal(t, claims.Name, "Nurse Test")
	assert.Equal(t, claims.Email, "nurse@example.com")
	assert.Equal(t, claims.ExpiresAt.Unix(), expiresAt.Unix())

	_, err = ParseTokenClaims("not a token")
	assert.NotEqual(t, err, nil)
}

func TestRefreshingTokenProvider(t *testing.T) {
	ctx := context.Background()

	refreshCount := 0
	fresh := testToken(t, "user-1", time.Now().Add(time.Hour))
	tokenProvider := NewRefreshingTokenProvider(
		testToken(t, "user-1", time.Now().Add(10*time.Second)),
		func(ctx context.Context) (string, error) {
			refreshCount += 1
			return fresh, nil
		},
		time.Minute,
	)

	token, err := tokenProvider.GetToken(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, token, fresh)
	assert.Equal(t, refreshCount, 1)

	// still valid, no refresh
	token, err = tokenProvider.GetToken(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, token, fresh)
	assert.Equal(t, refreshCount, 1)
}

func TestRefreshingTokenProviderError(t *testing.T) {
	tokenProvider := NewRefreshingTokenProvider("", func(ctx context.Context) (string, error) {
		return "", NewAuthServiceError(503, errors.New("unavailable"))
	}, time.Minute)

	_, err := tokenProvider.GetToken(context.Background())
	assert.Equal(t, IsAuthUnavailable(err), true)
}
