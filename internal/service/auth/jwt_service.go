package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTService defines operations for managing JWT authentication tokens.
type JWTService interface {
	// GenerateToken creates a signed JWT access token for the principal.
	// Returns the token string or an error if token generation fails.
	GenerateToken(ctx context.Context, principalID uuid.UUID) (string, error)

	// ValidateToken validates the provided token string and extracts the
	// claims. Returns an error if validation fails (expired, invalid
	// signature, etc.).
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims represents the custom claims structure for the JWT tokens.
// It extends standard JWT registered claims with application-specific
// fields.
type Claims struct {
	// PrincipalID is the unique identifier of the subject the token was
	// issued for.
	PrincipalID uuid.UUID `json:"uid,omitempty"`

	jwt.RegisteredClaims
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ID uuid.UUID
}
