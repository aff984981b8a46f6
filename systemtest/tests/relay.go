package tests

import (
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawui/claw-relay/internal/agentclient"
	"github.com/clawui/claw-relay/internal/auth"
	"github.com/clawui/claw-relay/internal/signature"
)

// TestMessageRoundTrip provisions a token, runs a real agent client against
// the server, and drives a full client conversation through the relay.
func TestMessageRoundTrip(t *testing.T, serverURL string, router *gin.Engine, jwtSecret string) {
	tokenID, secret := ProvisionToken(t, router, jwtSecret, "rt-user", "echo-agent")

	wsBase := "ws" + strings.TrimPrefix(serverURL, "http")

	var agent *agentclient.Client
	agent = agentclient.New(agentclient.Config{
		URL:     wsBase + "/relay/agent",
		TokenID: tokenID,
		Secret:  secret,
	}, func(sessionID, content string) {
		if err := agent.Send(sessionID, "echo: "+content); err != nil {
			t.Logf("agent send failed: %v", err)
		}
	})
	require.NoError(t, agent.Start())
	t.Cleanup(func() { _ = agent.Stop() })

	require.Eventually(t, func() bool {
		return agent.State() == agentclient.StateConnected
	}, 5*time.Second, 20*time.Millisecond)

	// Browser side.
	jwt, err := auth.GenerateToken(jwtSecret, "rt-user", time.Hour)
	require.NoError(t, err)

	ws, _, err := websocket.DefaultDialer.Dial(wsBase+"/relay/client", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "auth", "jwt": jwt, "agentId": tokenID}))

	frame := readFrame(t, ws)
	require.Equal(t, "auth_ok", frame["type"])
	require.NotEmpty(t, frame["sessionId"])

	status := readFrame(t, ws)
	require.Equal(t, "agent_status", status["type"])
	require.Equal(t, true, status["online"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "message", "content": "hello agent"}))

	reply := readFrame(t, ws)
	assert.Equal(t, "message", reply["type"])
	assert.Equal(t, "echo: hello agent", reply["content"])
	assert.Equal(t, "assistant", reply["role"])
}

// TestRevokedTokenRejected checks that a revoked token fails the signed
// handshake even with the correct secret.
func TestRevokedTokenRejected(t *testing.T, serverURL string, router *gin.Engine, jwtSecret string) {
	tokenID, secret := ProvisionToken(t, router, jwtSecret, "rej-user", "stolen-laptop")

	rr := doJSON(router, "DELETE", "/api/tokens/"+tokenID, bearer(t, jwtSecret, "rej-user"), nil)
	require.Equal(t, 200, rr.Code)

	wsBase := "ws" + strings.TrimPrefix(serverURL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsBase+"/relay/agent", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	ts := time.Now().UnixMilli()
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "auth", "tokenId": tokenID, "timestamp": ts,
		"signature": signature.Sign(secret, signature.AuthPayload(tokenID, ts)),
	}))

	frame := readFrame(t, ws)
	assert.Equal(t, "auth_error", frame["type"])
	assert.Equal(t, "token not found", frame["message"])
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m map[string]any
	require.NoError(t, ws.ReadJSON(&m))
	return m
}
