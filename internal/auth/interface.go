// Package auth implements Supabase JWT verification against a JWKS
// endpoint, grounded directly on the teacher's internal/auth package.
package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT claims structure Supabase Auth issues.
// See: https://supabase.com/docs/guides/auth/jwts
type Claims struct {
	jwt.RegisteredClaims
	Email       string                   `json:"email"`
	Phone       string                   `json:"phone"`
	AppMetadata map[string]interface{}   `json:"app_metadata"`
	Role        string                   `json:"role"` // "authenticated" or "anon"
	AAL         string                   `json:"aal"`
	AMR         []map[string]interface{} `json:"amr"`
	SessionID   string                   `json:"session_id"`
	IsAnonymous bool                     `json:"is_anonymous"`
}

// UserID returns the authenticated user's ID, the JWT subject claim.
func (c *Claims) UserID() string { return c.Subject }

// Verifier validates a JWT token string and returns its claims. This
// abstraction keeps the middleware agnostic to the verification details.
type Verifier interface {
	VerifyToken(tokenString string) (*Claims, error)
	Close() error
}
