package signature

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	secret := "super-secret-key"
	payload := MessagePayload("hello", "nonce-1", 1700000000000)

	sig := Sign(secret, payload)
	require.Len(t, sig, 64)
	assert.Equal(t, strings.ToLower(sig), sig)

	assert.True(t, Verify(secret, payload, sig))
	assert.False(t, Verify("other-secret", payload, sig))
	assert.False(t, Verify(secret, payload+"x", sig))
}

func TestVerifyRejectsWrongLength(t *testing.T) {
	secret := "secret"
	sig := Sign(secret, "data")

	assert.False(t, Verify(secret, "data", sig[:63]))
	assert.False(t, Verify(secret, "data", sig+"00"))
	assert.False(t, Verify(secret, "data", ""))
}

func TestSignDeterministic(t *testing.T) {
	assert.Equal(t, Sign("k", "d"), Sign("k", "d"))
	assert.NotEqual(t, Sign("k", "d"), Sign("k", "e"))
}

func TestNonce(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		n := Nonce()
		require.NotEmpty(t, n)
		_, dup := seen[n]
		require.False(t, dup, "nonce repeated")
		seen[n] = struct{}{}
	}
}

func TestFreshEnough(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	drift := 5 * time.Minute

	assert.True(t, FreshEnough(now.UnixMilli(), now, drift))
	assert.True(t, FreshEnough(now.Add(-4*time.Minute).UnixMilli(), now, drift))
	assert.True(t, FreshEnough(now.Add(4*time.Minute).UnixMilli(), now, drift))

	assert.False(t, FreshEnough(now.Add(-5*time.Minute).UnixMilli(), now, drift))
	assert.False(t, FreshEnough(now.Add(5*time.Minute).UnixMilli(), now, drift))
	assert.False(t, FreshEnough(now.Add(-time.Hour).UnixMilli(), now, drift))
}

func TestCanonicalPayloads(t *testing.T) {
	assert.Equal(t, "tok-1:1700000000000", AuthPayload("tok-1", 1700000000000))
	assert.Equal(t, "hi:abc:42", MessagePayload("hi", "abc", 42))
}
