package tokens

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in process memory. It backs tests and single-node
// deployments that run without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*AgentToken // keyed by public token id
	online   map[string]bool        // keyed by userID+"/"+tokenID
	lastSeen map[string]time.Time
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*AgentToken),
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *MemoryStore) GetActiveToken(ctx context.Context, tokenID string) (*AgentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.byID[tokenID]
	if !ok || tok.Revoked() {
		return nil, ErrNotFound
	}

	copied := *tok
	return &copied, nil
}

func (s *MemoryStore) TouchLastUsed(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.byID[tokenID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	tok.LastUsedAt = &now
	return nil
}

func (s *MemoryStore) SetConnectionStatus(ctx context.Context, userID, tokenID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID+"/"+tokenID] = online
	return nil
}

func (s *MemoryStore) TouchLastSeen(ctx context.Context, userID, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[userID+"/"+tokenID] = s.now()
	return nil
}

// LastSeen returns the last recorded heartbeat, for tests.
func (s *MemoryStore) LastSeen(userID, tokenID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.lastSeen[userID+"/"+tokenID]
	return ts, ok
}

// Online reports the last recorded connection status, for tests.
func (s *MemoryStore) Online(userID, tokenID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID+"/"+tokenID]
}

func (s *MemoryStore) CreateToken(ctx context.Context, tok *AgentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *tok
	s.byID[tok.TokenID] = &copied
	return nil
}

func (s *MemoryStore) ListTokens(ctx context.Context, userID string) ([]*AgentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AgentToken
	for _, tok := range s.byID {
		if tok.UserID != userID || tok.Revoked() {
			continue
		}
		copied := *tok
		copied.Secret = ""
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) RevokeToken(ctx context.Context, userID, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.byID[tokenID]
	if !ok || tok.UserID != userID || tok.Revoked() {
		return ErrNotFound
	}
	now := s.now()
	tok.RevokedAt = &now
	return nil
}
