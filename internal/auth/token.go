// Package auth owns the bearer credential: decoding its claims locally,
// deciding when it needs a refresh and coordinating that refresh.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingExpiry indicates a token that decodes but carries no exp claim.
var ErrMissingExpiry = errors.New("token has no exp claim")

// DefaultRefreshThreshold is how long before expiry a token is refreshed.
const DefaultRefreshThreshold = 5 * time.Minute

// Claims is the subset of token claims read on the client.
// Nothing here is verified; the server remains the authority.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

var parser = jwt.NewParser()

// DecodeClaims reads the subject and expiry of a JWT without verifying its signature.
func DecodeClaims(token string) (Claims, error) {
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("decode token: %w", err)
	}

	sub, _ := parsed.Claims.GetSubject()
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return Claims{Subject: sub}, fmt.Errorf("decode token: %w", err)
	}
	if exp == nil {
		return Claims{Subject: sub}, ErrMissingExpiry
	}
	return Claims{Subject: sub, ExpiresAt: exp.Time}, nil
}

// IsExpiringSoon reports whether token expires within threshold of now.
// A token that cannot be decoded is treated as already expired.
func IsExpiringSoon(token string, threshold time.Duration) bool {
	return expiringSoonAt(token, threshold, time.Now())
}

func expiringSoonAt(token string, threshold time.Duration, now time.Time) bool {
	claims, err := DecodeClaims(token)
	if err != nil {
		return true
	}
	return !now.Add(threshold).Before(claims.ExpiresAt)
}

// SubjectFromToken returns the sub claim (the username), or "" if the token
// cannot be decoded. A missing exp does not hide the subject.
func SubjectFromToken(token string) string {
	claims, _ := DecodeClaims(token)
	return claims.Subject
}
