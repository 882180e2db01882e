package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"llmgateway/internal/domain"
)

// SupabaseVerifier implements Verifier using JWKS fetched from Supabase.
type SupabaseVerifier struct {
	jwks   keyfunc.Keyfunc
	logger *slog.Logger
}

// NewVerifier builds a Verifier that fetches public keys from jwksURL.
// keyfunc caches and refreshes keys based on the endpoint's HTTP cache
// headers.
func NewVerifier(jwksURL string, logger *slog.Logger) (Verifier, error) {
	if jwksURL == "" {
		return nil, errors.New("JWKS URL cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	jwks, err := keyfunc.NewDefaultCtx(context.Background(), []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS client: %w", err)
	}

	logger.Info("JWT verifier initialized", "jwks_url", jwksURL)
	return &SupabaseVerifier{jwks: jwks, logger: logger}, nil
}

// VerifyToken validates tokenString and extracts its Supabase claims,
// rejecting unsigned/anonymous/non-RS256/ES256 tokens.
func (v *SupabaseVerifier) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnauthorized, err.Error())
	}
	if !token.Valid {
		return nil, domain.ErrUnauthorized
	}

	switch token.Method.Alg() {
	case "RS256", "ES256":
	default:
		v.logger.Warn("token uses unexpected algorithm", "algorithm", token.Method.Alg())
		return nil, domain.ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, domain.ErrUnauthorized
	}
	if claims.Role != "authenticated" {
		return nil, domain.ErrUnauthorized
	}

	return claims, nil
}

// Close is a no-op: keyfunc v3 manages its own JWKS refresh lifecycle.
func (v *SupabaseVerifier) Close() error { return nil }
