package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	signer, err := NewSigner("secret", "docextract", time.Hour)
	require.NoError(t, err)

	token, err := signer.Sign(Claims{
		Email:            "a@example.com",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "google:1"},
	})
	require.NoError(t, err)

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "google:1", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, "docextract", claims.Issuer)
}

func TestVerifyRejects(t *testing.T) {
	signer, err := NewSigner("secret", "docextract", time.Hour)
	require.NoError(t, err)
	other, err := NewSigner("other-secret", "docextract", time.Hour)
	require.NoError(t, err)

	foreign, err := other.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}})
	require.NoError(t, err)

	expired, err := signer.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	require.NoError(t, err)

	wrongIssuer, err := signer.Sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "someone-else"}})
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"foreign":      foreign,
		"expired":      expired,
		"wrong issuer": wrongIssuer,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := signer.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestSignRequiresSubject(t *testing.T) {
	signer, err := NewSigner("secret", "", 0)
	require.NoError(t, err)

	_, err = signer.Sign(Claims{})
	assert.Error(t, err)
}

func TestNewSignerRequiresSecret(t *testing.T) {
	_, err := NewSigner("  ", "", 0)
	assert.Error(t, err)
}
