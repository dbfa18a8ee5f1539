// Package auth extracts the principal identity from bearer tokens. Token
// issuance lives in the account service; this side only verifies.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the registered claims plus the principal id.
type Claims struct {
	jwt.RegisteredClaims
	PrincipalID string `json:"principal_id"`
}

// GenerateToken mints an HS256 token for a principal. Used by tests and the
// dev CLI; production tokens come from the account service with the same
// secret.
func GenerateToken(principalID string, secret []byte, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		PrincipalID: principalID,
	})
	return token.SignedString(secret)
}

// PrincipalFromAuthHeader parses an "Authorization: Bearer <token>" header
// and returns the verified principal id.
func PrincipalFromAuthHeader(header string, secret []byte) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrInvalidToken
	}
	return PrincipalFromToken(strings.TrimPrefix(header, prefix), secret)
}

// PrincipalFromToken verifies the token signature and expiry and returns the
// principal id claim.
func PrincipalFromToken(tokenString string, secret []byte) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.PrincipalID == "" {
		return "", ErrInvalidToken
	}
	return claims.PrincipalID, nil
}
