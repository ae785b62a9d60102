package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenExpiry reads the exp claim of a JWT access token without
// verifying its signature. ok is false for opaque or exp-less tokens.
func AccessTokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// ExpiresWithin reports whether token is a JWT whose expiry falls before
// now+skew. Opaque tokens never do; the server's 401 is the only signal for them.
func ExpiresWithin(token string, skew time.Duration, now time.Time) bool {
	if skew <= 0 || token == "" {
		return false
	}
	exp, ok := AccessTokenExpiry(token)
	if !ok {
		return false
	}
	return exp.Before(now.Add(skew))
}
