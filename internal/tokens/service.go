package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AdminStore extends Store with the provisioning surface behind the token
// admin API.
type AdminStore interface {
	Store
	CreateToken(ctx context.Context, tok *AgentToken) error
	ListTokens(ctx context.Context, userID string) ([]*AgentToken, error)
	RevokeToken(ctx context.Context, userID, tokenID string) error
}

// Service provisions agent tokens on behalf of authenticated users.
type Service struct {
	store AdminStore
}

func NewService(store AdminStore) *Service {
	return &Service{store: store}
}

// Create mints a token for userID. The returned record carries the plaintext
// secret; it is shown to the caller exactly once and the relay only sees it
// again through GetActiveToken.
func (s *Service) Create(ctx context.Context, userID, name string, expiresAt *time.Time) (*AgentToken, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}

	tok := &AgentToken{
		ID:        uuid.NewString(),
		TokenID:   uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Secret:    secret,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}

	if err := s.store.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}

	slog.Info("Agent token created", "token_id", tok.TokenID, "user_id", userID, "name", name)
	return tok, nil
}

// List returns the user's non-revoked tokens without secrets.
func (s *Service) List(ctx context.Context, userID string) ([]*AgentToken, error) {
	toks, err := s.store.ListTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return toks, nil
}

// Revoke soft-deletes a token. Already-established connections keep their
// cached secret until they drop; new handshakes fail immediately.
func (s *Service) Revoke(ctx context.Context, userID, tokenID string) error {
	if err := s.store.RevokeToken(ctx, userID, tokenID); err != nil {
		return err
	}
	slog.Info("Agent token revoked", "token_id", tokenID, "user_id", userID)
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
