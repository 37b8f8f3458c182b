package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/config"
)

const testJWTSecret = "test-secret-key-thats-long-enough-for-hmac"

func newTestJWTService(t *testing.T) *hmacJWTService {
	t.Helper()

	svc, err := NewJWTService(config.AuthConfig{
		JWTSecret:     testJWTSecret,
		TokenLifetime: time.Hour,
	})
	require.NoError(t, err)
	return svc.(*hmacJWTService)
}

func TestNewJWTServiceRejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := NewJWTService(config.AuthConfig{
		JWTSecret:     "too-short",
		TokenLifetime: time.Hour,
	})
	require.Error(t, err)
}

func TestJWTServiceRoundTrip(t *testing.T) {
	t.Parallel()
	svc := newTestJWTService(t)
	ctx := context.Background()
	principalID := uuid.New()

	token, err := svc.GenerateToken(ctx, principalID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, principalID, claims.PrincipalID)
	assert.Equal(t, principalID.String(), claims.Subject)
}

func TestJWTServiceRejectsExpiredToken(t *testing.T) {
	t.Parallel()
	svc := newTestJWTService(t)
	ctx := context.Background()

	issued := time.Now()
	svc.timeFunc = func() time.Time { return issued }

	token, err := svc.GenerateToken(ctx, uuid.New())
	require.NoError(t, err)

	// Past the lifetime plus the allowed clock skew.
	svc.timeFunc = func() time.Time { return issued.Add(time.Hour + 3*time.Minute) }

	_, err = svc.ValidateToken(ctx, token)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTServiceAllowsClockSkew(t *testing.T) {
	t.Parallel()
	svc := newTestJWTService(t)
	ctx := context.Background()

	issued := time.Now()
	svc.timeFunc = func() time.Time { return issued }

	token, err := svc.GenerateToken(ctx, uuid.New())
	require.NoError(t, err)

	// Expired, but within the skew allowance.
	svc.timeFunc = func() time.Time { return issued.Add(time.Hour + time.Minute) }

	_, err = svc.ValidateToken(ctx, token)
	require.NoError(t, err)
}

func TestJWTServiceRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	issuer := newTestJWTService(t)
	token, err := issuer.GenerateToken(ctx, uuid.New())
	require.NoError(t, err)

	validator, err := NewJWTService(config.AuthConfig{
		JWTSecret:     "a-completely-different-secret-of-enough-length",
		TokenLifetime: time.Hour,
	})
	require.NoError(t, err)

	_, err = validator.ValidateToken(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTServiceRejectsMalformedToken(t *testing.T) {
	t.Parallel()
	svc := newTestJWTService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty token", "", ErrMissingToken},
		{"garbage token", "not.a.jwt", ErrInvalidToken},
		{"truncated token", "eyJhbGciOiJIUzI1NiJ9", ErrInvalidToken},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := svc.ValidateToken(ctx, tc.token)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}
