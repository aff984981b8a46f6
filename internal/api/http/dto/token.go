package dto

import "time"

type CreateTokenRequest struct {
	Name string `json:"name" binding:"required"`

	// ExpiresInSeconds is optional; zero means the token never expires.
	ExpiresInSeconds int64 `json:"expiresInSeconds"`
}

type TokenResponse struct {
	TokenID    string     `json:"tokenId"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// CreateTokenResponse carries the plaintext secret. It is returned exactly
// once, at creation time.
type CreateTokenResponse struct {
	TokenResponse
	Secret string `json:"secret"`
}

type ListTokensResponse struct {
	Tokens []TokenResponse `json:"tokens"`
}
