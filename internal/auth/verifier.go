package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"convert-gateway/internal/apperrors"
)

// Verifier resolves an inbound credential to a tenant ID. It never mutates state.
type Verifier interface {
	Verify(ctx context.Context, credential string) (tenantID string, err error)
}

// KeyVerifier maps shared-secret API keys to tenants. Keys compare byte for
// byte: no trimming, no case folding, no prefix matching.
type KeyVerifier struct {
	keys []apiKey
}

type apiKey struct {
	secret   []byte
	tenantID string
}

// NewKeyVerifier builds a verifier from key -> tenant ID pairs.
func NewKeyVerifier(keys map[string]string) *KeyVerifier {
	v := &KeyVerifier{keys: make([]apiKey, 0, len(keys))}
	for k, tenant := range keys {
		if k == "" || tenant == "" {
			continue
		}
		v.keys = append(v.keys, apiKey{secret: []byte(k), tenantID: tenant})
	}
	return v
}

// Verify compares the credential against every configured key in constant
// time per key so the position of a match is not observable.
func (v *KeyVerifier) Verify(_ context.Context, credential string) (string, error) {
	if len(v.keys) == 0 {
		return "", fmt.Errorf("no API keys configured: %w", apperrors.ErrServerMisconfigured)
	}
	if credential == "" {
		return "", fmt.Errorf("missing credential: %w", apperrors.ErrUnauthorized)
	}

	presented := []byte(credential)
	var tenant string
	for _, k := range v.keys {
		if subtle.ConstantTimeCompare(presented, k.secret) == 1 {
			tenant = k.tenantID
		}
	}
	if tenant == "" {
		return "", fmt.Errorf("credential rejected: %w", apperrors.ErrUnauthorized)
	}
	return tenant, nil
}

// OperatorGate guards privileged operations with a single operator secret.
type OperatorGate struct {
	secret []byte
}

func NewOperatorGate(secret string) *OperatorGate {
	return &OperatorGate{secret: []byte(secret)}
}

// Check fails with ErrServerMisconfigured when no secret is configured,
// whatever the caller presented, and with ErrUnauthorized on any mismatch.
func (g *OperatorGate) Check(presented string) error {
	if len(g.secret) == 0 {
		return fmt.Errorf("operator secret not configured: %w", apperrors.ErrServerMisconfigured)
	}
	if presented == "" {
		return fmt.Errorf("missing operator credential: %w", apperrors.ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(presented), g.secret) != 1 {
		return fmt.Errorf("operator credential rejected: %w", apperrors.ErrUnauthorized)
	}
	return nil
}
