package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("unit-secret")
	token, err := GenerateToken("principal-1", secret, time.Hour)
	require.NoError(t, err)

	id, err := PrincipalFromToken(token, secret)
	require.NoError(t, err)
	require.Equal(t, "principal-1", id)
}

func TestPrincipalFromAuthHeader(t *testing.T) {
	secret := []byte("unit-secret")
	token, err := GenerateToken("principal-1", secret, time.Hour)
	require.NoError(t, err)

	id, err := PrincipalFromAuthHeader("Bearer "+token, secret)
	require.NoError(t, err)
	require.Equal(t, "principal-1", id)

	_, err = PrincipalFromAuthHeader(token, secret)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = PrincipalFromAuthHeader("", secret)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	secret := []byte("unit-secret")
	token, err := GenerateToken("principal-1", secret, -time.Minute)
	require.NoError(t, err)

	_, err = PrincipalFromToken(token, secret)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestWrongSecretRejected(t *testing.T) {
	token, err := GenerateToken("principal-1", []byte("secret-a"), time.Hour)
	require.NoError(t, err)

	_, err = PrincipalFromToken(token, []byte("secret-b"))
	require.ErrorIs(t, err, ErrInvalidToken)
}
