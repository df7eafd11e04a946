package authn_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lijuuu/ArenaMatchCore/internal/authn"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := authn.NewVerifier("test-secret")

	token, err := v.Issue("player-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "player-1", claims.PlayerID)
}

func TestVerifyStripsBearerPrefix(t *testing.T) {
	v := authn.NewVerifier("test-secret")

	token, err := v.Issue("player-1", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "player-1", claims.PlayerID)
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	v := authn.NewVerifier("test-secret")

	_, err := v.Verify("")
	assert.ErrorIs(t, err, authn.ErrMissingToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := authn.NewVerifier("test-secret")

	token, err := v.Issue("player-1", -time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, authn.ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := authn.NewVerifier("secret-a")
	verifier := authn.NewVerifier("secret-b")

	token, err := issuer.Issue("player-1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, authn.ErrInvalidToken)
}

func TestVerifyRejectsWrongSigningMethod(t *testing.T) {
	v := authn.NewVerifier("test-secret")

	claims := authn.Claims{
		PlayerID:         "player-1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, authn.ErrInvalidToken)
}

func TestIssueRejectsEmptyPlayerID(t *testing.T) {
	v := authn.NewVerifier("test-secret")

	_, err := v.Issue("", time.Hour)
	assert.Error(t, err)
}
