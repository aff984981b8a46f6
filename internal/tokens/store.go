package tokens

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("agent token not found")
)

// Store is the credential-store surface the relay consumes. Revoked tokens
// are invisible through GetActiveToken; expiry is left to the caller so it
// can distinguish "expired" from "unknown".
type Store interface {
	// GetActiveToken resolves a token by its public token id, excluding
	// revoked records. The returned record includes the secret.
	GetActiveToken(ctx context.Context, tokenID string) (*AgentToken, error)

	// TouchLastUsed records that the token just authenticated successfully.
	TouchLastUsed(ctx context.Context, tokenID string) error

	// SetConnectionStatus records the agent's online/offline transition.
	SetConnectionStatus(ctx context.Context, userID, tokenID string, online bool) error

	// TouchLastSeen records heartbeat liveness for an active connection.
	TouchLastSeen(ctx context.Context, userID, tokenID string) error
}
