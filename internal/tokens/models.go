package tokens

import (
	"time"
)

// AgentToken is the credential record issued to an agent. TokenID is the
// public identifier sent on the wire; Secret is the HMAC key and is only ever
// returned in full by Create and by the active-token lookup the relay caches
// on a connection.
type AgentToken struct {
	ID         string
	TokenID    string
	UserID     string
	Name       string
	Secret     string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
}

// Revoked reports whether the token has been soft-deleted.
func (t *AgentToken) Revoked() bool {
	return t.RevokedAt != nil
}

// Expired reports whether the token's optional expiry lies before now.
func (t *AgentToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}
