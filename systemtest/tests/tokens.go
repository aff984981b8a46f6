package tests

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawui/claw-relay/internal/api/http/dto"
	"github.com/clawui/claw-relay/internal/auth"
)

// ProvisionToken creates an agent token for userID through the admin API and
// returns its public id and plaintext secret.
func ProvisionToken(t *testing.T, router *gin.Engine, jwtSecret, userID, name string) (string, string) {
	t.Helper()

	rr := doJSON(router, http.MethodPost, "/api/tokens", bearer(t, jwtSecret, userID),
		dto.CreateTokenRequest{Name: name})
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp dto.CreateTokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TokenID)
	require.NotEmpty(t, resp.Secret)
	return resp.TokenID, resp.Secret
}

func TestTokenProvisioning(t *testing.T, router *gin.Engine, jwtSecret string) {
	t.Run("create and list", func(t *testing.T) {
		tokenID, secret := ProvisionToken(t, router, jwtSecret, "prov-user", "workstation")

		rr := doJSON(router, http.MethodGet, "/api/tokens", bearer(t, jwtSecret, "prov-user"), nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var listed dto.ListTokensResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
		require.Len(t, listed.Tokens, 1)
		assert.Equal(t, tokenID, listed.Tokens[0].TokenID)
		assert.Equal(t, "workstation", listed.Tokens[0].Name)
		assert.NotContains(t, rr.Body.String(), secret)
	})

	t.Run("revoke", func(t *testing.T) {
		tokenID, _ := ProvisionToken(t, router, jwtSecret, "revoke-user", "old-laptop")

		rr := doJSON(router, http.MethodDelete, "/api/tokens/"+tokenID, bearer(t, jwtSecret, "revoke-user"), nil)
		require.Equal(t, http.StatusOK, rr.Code)

		rr = doJSON(router, http.MethodGet, "/api/tokens", bearer(t, jwtSecret, "revoke-user"), nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var listed dto.ListTokensResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
		assert.Empty(t, listed.Tokens)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rr := doJSON(router, http.MethodGet, "/api/tokens", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func bearer(t *testing.T, jwtSecret, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(jwtSecret, userID, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}
