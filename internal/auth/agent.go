package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawui/claw-relay/internal/replay"
	"github.com/clawui/claw-relay/internal/signature"
	"github.com/clawui/claw-relay/internal/tokens"
)

var (
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("timestamp out of range")
	ErrReplayDetected   = errors.New("duplicate nonce")
)

// AgentAuthenticator verifies agent auth handshakes against the credential
// store and per-message signatures against the secret cached at handshake
// time.
type AgentAuthenticator struct {
	store  tokens.Store
	nonces *replay.Cache
	drift  time.Duration
	now    func() time.Time
}

func NewAgentAuthenticator(store tokens.Store, nonces *replay.Cache, drift time.Duration) *AgentAuthenticator {
	if drift <= 0 {
		drift = signature.DefaultDrift
	}
	return &AgentAuthenticator{
		store:  store,
		nonces: nonces,
		drift:  drift,
		now:    time.Now,
	}
}

// Authenticate verifies a handshake signed over "{tokenId}:{timestamp}" and
// returns the full token record, secret included, for the relay to cache on
// the connection. The last-used update is fire-and-forget; registration must
// happen only after this call returns.
func (a *AgentAuthenticator) Authenticate(ctx context.Context, tokenID string, timestamp int64, sig string) (*tokens.AgentToken, error) {
	tok, err := a.store.GetActiveToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	if tok.Expired(a.now()) {
		return nil, ErrTokenExpired
	}

	if !signature.Verify(tok.Secret, signature.AuthPayload(tokenID, timestamp), sig) {
		return nil, ErrInvalidSignature
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.TouchLastUsed(ctx, tokenID); err != nil {
			slog.Debug("Failed to update token last used", "token_id", tokenID, "error", err)
		}
	}()

	return tok, nil
}

// VerifyMessage checks freshness, replay and signature for a message from an
// already-authenticated agent. The nonce is consumed only after every check
// passes, so a rejected message never burns it; the final consume is an
// atomic check-and-insert, so two racing copies of the same message cannot
// both pass.
func (a *AgentAuthenticator) VerifyMessage(secret, content, nonce string, timestamp int64, sig string) error {
	if !signature.FreshEnough(timestamp, a.now(), a.drift) {
		return ErrStaleTimestamp
	}

	if a.nonces.Seen(nonce) {
		return ErrReplayDetected
	}

	if !signature.Verify(secret, signature.MessagePayload(content, nonce, timestamp), sig) {
		return ErrInvalidSignature
	}

	if !a.nonces.Add(nonce) {
		return ErrReplayDetected
	}
	return nil
}
