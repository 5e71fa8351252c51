package mockapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims are the claims of an issued access token.
type tokenClaims struct {
	UserID    int    `json:"uid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func (s *Server) issueToken(u *user, sessionID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := tokenClaims{
		UserID:    u.ID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

var errRevoked = errors.New("session revoked")

// verifyToken checks the signature, expiry and session of a bearer token.
func (s *Server) verifyToken(raw string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if _, ok := s.sessions.GetSession(claims.SessionID); !ok {
		return nil, errRevoked
	}
	return claims, nil
}
