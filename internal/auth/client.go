package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrCredentialExpired = errors.New("credential expired")
	ErrCredentialInvalid = errors.New("invalid credential")
)

// Claims is the subset of the identity system's JWT the relay cares about.
type Claims struct {
	UserID string
	jwt.RegisteredClaims
}

// ClientAuthenticator verifies bearer credentials issued by the identity
// system against a shared HMAC secret. Trust is per-connection; clients send
// no per-message signatures.
type ClientAuthenticator struct {
	secret string
}

func NewClientAuthenticator(secret string) *ClientAuthenticator {
	return &ClientAuthenticator{secret: secret}
}

// Authenticate validates the credential and returns the owning user id from
// the sub claim. Expired and malformed credentials fail distinctly so the
// caller can word its auth_error.
func (c *ClientAuthenticator) Authenticate(credential string) (string, error) {
	claims, err := ValidateToken(c.secret, credential)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrCredentialExpired
		}
		return "", ErrCredentialInvalid
	}

	if claims.UserID == "" {
		return "", ErrCredentialInvalid
	}
	return claims.UserID, nil
}

// ValidateToken parses and verifies an HS256 token, returning its claims.
func ValidateToken(secret, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	registered, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}

	return &Claims{UserID: registered.Subject, RegisteredClaims: *registered}, nil
}

// GenerateToken issues an HS256 token for userID. The identity system owns
// issuing in production; this mirrors it for tests and local development.
func GenerateToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
