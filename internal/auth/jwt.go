package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"convert-gateway/internal/apperrors"
)

// Claims represents the JWT payload
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tenant tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier returns a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// GenerateToken creates a signed JWT for the given tenant
func GenerateToken(secret, tenantID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret not set: %w", apperrors.ErrServerMisconfigured)
	}
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}

	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Verify parses and verifies a JWT string
func (v *JWTVerifier) Verify(_ context.Context, tokenStr string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("JWT secret not set: %w", apperrors.ErrServerMisconfigured)
	}
	if tokenStr == "" {
		return "", fmt.Errorf("missing token: %w", apperrors.ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid or expired token: %w", apperrors.ErrUnauthorized)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.TenantID == "" {
		return "", fmt.Errorf("invalid claims: %w", apperrors.ErrUnauthorized)
	}
	return claims.TenantID, nil
}
