// ABOUTME: Tests for session token issue/verify and password hashing.
// ABOUTME: Covers round-trips, expiry, tampering, and wrong-secret cases.

package web

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := newTokenIssuer("test-secret")

	token, err := issuer.issue(42, time.Hour)
	require.NoError(t, err)

	userID, err := issuer.verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer := newTokenIssuer("test-secret")

	token, err := issuer.issue(42, -time.Minute)
	require.NoError(t, err)

	_, err = issuer.verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	token, err := newTokenIssuer("secret-a").issue(42, time.Hour)
	require.NoError(t, err)

	_, err = newTokenIssuer("secret-b").verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenIssuer_Garbage(t *testing.T) {
	_, err := newTokenIssuer("test-secret").verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := hashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, checkPassword(hash, "correct horse battery staple"))
	assert.False(t, checkPassword(hash, "wrong password"))
}

func TestUsernameRegex(t *testing.T) {
	assert.True(t, usernameRegex.MatchString("alice"))
	assert.True(t, usernameRegex.MatchString("bob_smith42"))
	assert.False(t, usernameRegex.MatchString("ab"))
	assert.False(t, usernameRegex.MatchString("1starts_with_digit"))
	assert.False(t, usernameRegex.MatchString("has space"))
}
