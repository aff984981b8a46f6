package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jwtSecret = "relay-test-jwt-secret"

func TestClientAuthenticate(t *testing.T) {
	c := NewClientAuthenticator(jwtSecret)

	token, err := GenerateToken(jwtSecret, "user-42", time.Hour)
	require.NoError(t, err)

	userID, err := c.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestClientAuthenticateExpired(t *testing.T) {
	c := NewClientAuthenticator(jwtSecret)

	token, err := GenerateToken(jwtSecret, "user-42", -time.Minute)
	require.NoError(t, err)

	_, err = c.Authenticate(token)
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestClientAuthenticateInvalid(t *testing.T) {
	c := NewClientAuthenticator(jwtSecret)

	t.Run("garbage", func(t *testing.T) {
		_, err := c.Authenticate("not-a-jwt")
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := GenerateToken("other-secret", "user-42", time.Hour)
		require.NoError(t, err)

		_, err = c.Authenticate(token)
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})

	t.Run("missing sub", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
		require.NoError(t, err)

		_, err = c.Authenticate(token)
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})

	t.Run("unsigned alg", func(t *testing.T) {
		claims := jwt.RegisteredClaims{Subject: "user-42"}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = c.Authenticate(token)
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})
}

func TestValidateTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken(jwtSecret, "user-7", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(jwtSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}
