package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawui/claw-relay/internal/api/http/dto"
	"github.com/clawui/claw-relay/internal/tokens"
)

type TokensHandler struct {
	service *tokens.Service
}

func NewTokensHandler(service *tokens.Service) *TokensHandler {
	return &TokensHandler{service: service}
}

// Create mints an agent token for the authenticated user.
// POST /api/tokens
func (h *TokensHandler) Create(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	var req dto.CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInSeconds > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		expiresAt = &t
	}

	tok, err := h.service.Create(c.Request.Context(), userID, req.Name, expiresAt)
	if err != nil {
		slog.Error("Failed to create token", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}

	c.JSON(http.StatusCreated, dto.CreateTokenResponse{
		TokenResponse: toTokenResponse(tok),
		Secret:        tok.Secret,
	})
}

// List returns the authenticated user's active tokens, secrets omitted.
// GET /api/tokens
func (h *TokensHandler) List(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	toks, err := h.service.List(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Failed to list tokens", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}

	resp := dto.ListTokensResponse{Tokens: make([]dto.TokenResponse, len(toks))}
	for i, tok := range toks {
		resp.Tokens[i] = toTokenResponse(tok)
	}
	c.JSON(http.StatusOK, resp)
}

// Revoke soft-deletes a token owned by the authenticated user.
// DELETE /api/tokens/:id
func (h *TokensHandler) Revoke(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return
	}

	tokenID := c.Param("id")
	if tokenID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token id is required"})
		return
	}

	if err := h.service.Revoke(c.Request.Context(), userID, tokenID); err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}
		slog.Error("Failed to revoke token", "error", err, "token_id", tokenID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "token revoked"})
}

func toTokenResponse(tok *tokens.AgentToken) dto.TokenResponse {
	return dto.TokenResponse{
		TokenID:    tok.TokenID,
		Name:       tok.Name,
		CreatedAt:  tok.CreatedAt,
		LastUsedAt: tok.LastUsedAt,
		ExpiresAt:  tok.ExpiresAt,
	}
}
