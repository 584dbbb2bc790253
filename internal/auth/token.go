package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the subset of access token claims the client reads.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// InspectToken decodes the claims of a chat service access token without
// verifying its signature. The signing key lives on the server; the client
// only needs the expiry to decide whether a cached token is worth trying.
func InspectToken(token string) (TokenClaims, error) {
	var claims jwt.RegisteredClaims

	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("parsing access token: %w", err)
	}

	tc := TokenClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		tc.ExpiresAt = claims.ExpiresAt.Time
	}

	return tc, nil
}

// TokenFresh reports whether token is well formed and will not expire
// within leeway of now. Tokens without an exp claim are treated as fresh
// and left for the server to judge.
func TokenFresh(token string, now time.Time, leeway time.Duration) bool {
	if token == "" {
		return false
	}

	claims, err := InspectToken(token)
	if err != nil {
		return false
	}

	if claims.ExpiresAt.IsZero() {
		return true
	}

	return now.Add(leeway).Before(claims.ExpiresAt)
}
