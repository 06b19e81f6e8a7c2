package sdk

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenReuseWindow is how close to expiry a stored bearer token may be
// and still be offered for fast re-authentication.
const tokenReuseWindow = time.Minute

// jwtExpiresAt returns the expiry timestamp encoded in a JWT (if present).
//
// This function does not verify the JWT signature. It is only used for client
// UX/control flow such as skipping a full handshake. Server-side verification
// remains the source of truth.
func jwtExpiresAt(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// isTokenExpiringSoon reports whether a token is already expired or will
// expire within the given window of now.
func isTokenExpiringSoon(token string, window time.Duration, now time.Time) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return true, fmt.Errorf("token is empty")
	}
	exp, ok := jwtExpiresAt(token)
	if !ok {
		// If we can't parse exp, treat it as non-refreshable but not expired.
		// The server will be authoritative and will reject if needed.
		return false, nil
	}
	return exp.Sub(now) <= window, nil
}
