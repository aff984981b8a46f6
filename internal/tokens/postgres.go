package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists agent tokens and connection status in Postgres.
// Schema is owned by internal/db's embedded migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const activeTokenQuery = `
SELECT id, token_id, user_id, name, token_secret, created_at, last_used_at, expires_at, revoked_at
FROM agent_tokens
WHERE token_id = $1 AND revoked_at IS NULL`

func (s *PostgresStore) GetActiveToken(ctx context.Context, tokenID string) (*AgentToken, error) {
	row := s.pool.QueryRow(ctx, activeTokenQuery, tokenID)

	tok, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query token: %w", err)
	}
	return tok, nil
}

func (s *PostgresStore) TouchLastUsed(ctx context.Context, tokenID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_tokens SET last_used_at = now() WHERE token_id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("touch last used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetConnectionStatus(ctx context.Context, userID, tokenID string, online bool) error {
	var err error
	if online {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO agent_connections (user_id, agent_token_id, connected_at, last_seen_at, disconnected_at)
			VALUES ($1, $2, now(), now(), NULL)
			ON CONFLICT (user_id, agent_token_id)
			DO UPDATE SET connected_at = now(), last_seen_at = now(), disconnected_at = NULL`,
			userID, tokenID)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE agent_connections
			SET last_seen_at = now(), disconnected_at = now()
			WHERE user_id = $1 AND agent_token_id = $2`,
			userID, tokenID)
	}
	if err != nil {
		return fmt.Errorf("set connection status: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, userID, tokenID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agent_connections SET last_seen_at = now()
		WHERE user_id = $1 AND agent_token_id = $2`,
		userID, tokenID)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, tok *AgentToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_tokens (id, token_id, user_id, name, token_secret, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tok.ID, tok.TokenID, tok.UserID, tok.Name, tok.Secret, tok.CreatedAt, nullableTime(tok.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTokens(ctx context.Context, userID string) ([]*AgentToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, token_id, user_id, name, '', created_at, last_used_at, expires_at, revoked_at
		FROM agent_tokens
		WHERE user_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []*AgentToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RevokeToken(ctx context.Context, userID, tokenID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_tokens SET revoked_at = now()
		WHERE token_id = $1 AND user_id = $2 AND revoked_at IS NULL`,
		tokenID, userID)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanToken(row pgx.Row) (*AgentToken, error) {
	var (
		tok       AgentToken
		lastUsed  pgtype.Timestamptz
		expiresAt pgtype.Timestamptz
		revokedAt pgtype.Timestamptz
	)

	err := row.Scan(&tok.ID, &tok.TokenID, &tok.UserID, &tok.Name, &tok.Secret,
		&tok.CreatedAt, &lastUsed, &expiresAt, &revokedAt)
	if err != nil {
		return nil, err
	}

	tok.LastUsedAt = timePtr(lastUsed)
	tok.ExpiresAt = timePtr(expiresAt)
	tok.RevokedAt = timePtr(revokedAt)
	return &tok, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func nullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
