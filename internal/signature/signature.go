package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultDrift is the tolerated skew between a signed timestamp and the
// relay's clock. Timestamps outside this window are rejected regardless of
// signature validity.
const DefaultDrift = 5 * time.Minute

// Sign computes the hex-encoded HMAC-SHA256 of data under secret.
func Sign(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected signature and compares in constant time.
// A signature of the wrong length is rejected before the comparison.
func Verify(secret, data, sig string) bool {
	expected := Sign(secret, data)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Nonce returns a fresh random nonce with 128 bits of entropy.
func Nonce() string {
	return uuid.NewString()
}

// FreshEnough reports whether ts (Unix milliseconds) lies within drift of now.
func FreshEnough(ts int64, now time.Time, drift time.Duration) bool {
	delta := now.UnixMilli() - ts
	if delta < 0 {
		delta = -delta
	}
	return delta < drift.Milliseconds()
}

// AuthPayload is the canonical string signed during the agent auth handshake.
func AuthPayload(tokenID string, timestamp int64) string {
	return fmt.Sprintf("%s:%d", tokenID, timestamp)
}

// MessagePayload is the canonical string signed on every agent message.
func MessagePayload(content, nonce string, timestamp int64) string {
	return fmt.Sprintf("%s:%s:%d", content, nonce, timestamp)
}
