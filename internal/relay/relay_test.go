package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawui/claw-relay/internal/auth"
	"github.com/clawui/claw-relay/internal/metrics"
	"github.com/clawui/claw-relay/internal/ratelimit"
	"github.com/clawui/claw-relay/internal/replay"
	"github.com/clawui/claw-relay/internal/signature"
	"github.com/clawui/claw-relay/internal/tokens"
)

const (
	testJWTSecret   = "relay-test-jwt-secret"
	testTokenSecret = "0123456789abcdef0123456789abcdef"
)

type testRelay struct {
	relay   *Relay
	store   *tokens.MemoryStore
	metrics *metrics.Metrics
	server  *httptest.Server
}

func newTestRelay(t *testing.T, cfg Config, limiterCfg ratelimit.Config) *testRelay {
	t.Helper()

	store := tokens.NewMemoryStore()
	limiter := ratelimit.New(limiterCfg)
	t.Cleanup(limiter.Stop)

	agentAuth := auth.NewAgentAuthenticator(store, replay.New(5*time.Minute, 1000), 5*time.Minute)
	clientAuth := auth.NewClientAuthenticator(testJWTSecret)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	r := New(cfg, agentAuth, clientAuth, store, limiter, m)

	mux := http.NewServeMux()
	mux.HandleFunc("/relay/agent", r.HandleAgent)
	mux.HandleFunc("/relay/client", r.HandleClient)

	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		r.Close()
		server.Close()
	})

	return &testRelay{relay: r, store: store, metrics: m, server: server}
}

func (tr *testRelay) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(tr.server.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (tr *testRelay) seedToken(t *testing.T, userID, tokenID string) {
	t.Helper()
	err := tr.store.CreateToken(context.Background(), &tokens.AgentToken{
		ID: tokenID, TokenID: tokenID, UserID: userID, Secret: testTokenSecret,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

// connectAgent dials the agent endpoint and completes the handshake.
func (tr *testRelay) connectAgent(t *testing.T, tokenID string) *websocket.Conn {
	t.Helper()

	ws := tr.dial(t, "/relay/agent")
	ts := time.Now().UnixMilli()
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "auth", "tokenId": tokenID, "timestamp": ts,
		"signature": signature.Sign(testTokenSecret, signature.AuthPayload(tokenID, ts)),
	}))

	frame := readFrame(t, ws)
	require.Equal(t, "auth_ok", frame["type"])
	require.Equal(t, tokenID, frame["agentId"])
	return ws
}

// connectClient dials the client endpoint, authenticates with a fresh JWT
// and returns the socket, session id, and the initial agent_status flag.
func (tr *testRelay) connectClient(t *testing.T, userID, agentID string) (*websocket.Conn, string, bool) {
	t.Helper()

	jwt, err := auth.GenerateToken(testJWTSecret, userID, time.Hour)
	require.NoError(t, err)

	ws := tr.dial(t, "/relay/client")
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "auth", "jwt": jwt, "agentId": agentID}))

	frame := readFrame(t, ws)
	require.Equal(t, "auth_ok", frame["type"])
	sessionID, _ := frame["sessionId"].(string)
	require.NotEmpty(t, sessionID, "session id is always generated by the relay")

	status := readFrame(t, ws)
	require.Equal(t, "agent_status", status["type"])
	online, _ := status["online"].(bool)
	return ws, sessionID, online
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func sendSignedMessage(t *testing.T, ws *websocket.Conn, sessionID, content, nonce string, ts int64) {
	t.Helper()

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "message", "sessionId": sessionID, "content": content,
		"nonce": nonce, "timestamp": ts,
		"signature": signature.Sign(testTokenSecret, signature.MessagePayload(content, nonce, ts)),
	}))
}

func TestEndToEndScenario(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	agentWS := tr.connectAgent(t, "tok-1")
	clientWS, sessionID, online := tr.connectClient(t, "user-1", "tok-1")
	require.True(t, online, "agent is already connected")

	// Client -> agent.
	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "message", "content": "hello"}))

	got := readFrame(t, agentWS)
	assert.Equal(t, "message", got["type"])
	assert.Equal(t, sessionID, got["sessionId"])
	assert.Equal(t, "hello", got["content"])
	assert.Equal(t, "user", got["role"])

	// Agent -> client, signed.
	sendSignedMessage(t, agentWS, sessionID, "hi back", signature.Nonce(), time.Now().UnixMilli())

	reply := readFrame(t, clientWS)
	assert.Equal(t, "message", reply["type"])
	assert.Equal(t, "hi back", reply["content"])
	assert.Equal(t, "assistant", reply["role"])
}

func TestClientAuthBeforeAgentConnects(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	clientWS, _, online := tr.connectClient(t, "user-1", "tok-1")
	require.False(t, online, "target agent is not connected yet")

	// Messages to an absent agent are dropped silently; no error frame.
	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "message", "content": "anyone?"}))
	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "ping"}))

	frame := readFrame(t, clientWS)
	assert.Equal(t, "pong", frame["type"], "silent drop must not surface an error before the pong")
}

func TestPreAuthMessageClosesConnection(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})

	ws := tr.dial(t, "/relay/agent")
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "heartbeat"}))

	frame := readFrame(t, ws)
	assert.Equal(t, "auth_error", frame["type"])

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "relay closes the socket after the auth_error")
}

func TestAgentAuthFailures(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	cases := []struct {
		name    string
		tokenID string
		sign    func(ts int64) string
		message string
	}{
		{
			name:    "unknown token",
			tokenID: "tok-missing",
			sign:    func(ts int64) string { return signature.Sign(testTokenSecret, signature.AuthPayload("tok-missing", ts)) },
			message: "token not found",
		},
		{
			name:    "bad signature",
			tokenID: "tok-1",
			sign:    func(ts int64) string { return signature.Sign("wrong", signature.AuthPayload("tok-1", ts)) },
			message: "invalid signature",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws := tr.dial(t, "/relay/agent")
			ts := time.Now().UnixMilli()
			require.NoError(t, ws.WriteJSON(map[string]any{
				"type": "auth", "tokenId": tc.tokenID, "timestamp": ts, "signature": tc.sign(ts),
			}))

			frame := readFrame(t, ws)
			assert.Equal(t, "auth_error", frame["type"])
			assert.Equal(t, tc.message, frame["message"])
		})
	}
}

func TestClientAuthFailures(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})

	t.Run("expired credential", func(t *testing.T) {
		jwt, err := auth.GenerateToken(testJWTSecret, "user-1", -time.Minute)
		require.NoError(t, err)

		ws := tr.dial(t, "/relay/client")
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "auth", "jwt": jwt, "agentId": "tok-1"}))

		frame := readFrame(t, ws)
		assert.Equal(t, "auth_error", frame["type"])
		assert.Equal(t, "credential expired", frame["message"])
	})

	t.Run("malformed credential", func(t *testing.T) {
		ws := tr.dial(t, "/relay/client")
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "auth", "jwt": "garbage", "agentId": "tok-1"}))

		frame := readFrame(t, ws)
		assert.Equal(t, "auth_error", frame["type"])
		assert.Equal(t, "invalid credential", frame["message"])
	})
}

func TestOversizeMessageKeepsConnectionOpen(t *testing.T) {
	tr := newTestRelay(t, Config{MessageSizeLimit: 64}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	clientWS, _, _ := tr.connectClient(t, "user-1", "tok-1")

	// Both a payload just over the limit and one far over it must be
	// refused in-band; the transport read limit never slams the socket.
	for _, size := range []int{65, 64 * 1024} {
		big := strings.Repeat("x", size)
		require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "message", "content": big}))

		frame := readFrame(t, clientWS)
		assert.Equal(t, "error", frame["type"])
		assert.Equal(t, "message too large", frame["message"])
	}

	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, clientWS)["type"])
}

func TestRateLimit(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{Window: time.Minute, Max: 2})
	tr.seedToken(t, "user-1", "tok-1")

	clientWS, _, _ := tr.connectClient(t, "user-1", "tok-1")

	for i := 0; i < 2; i++ {
		require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "message", "content": "ok"}))
	}
	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "message", "content": "one too many"}))

	frame := readFrame(t, clientWS)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "rate limit exceeded", frame["message"])
}

func TestRateLimitedMessageIsNotRouted(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{Window: time.Minute, Max: 1})
	tr.seedToken(t, "user-1", "tok-1")

	agentWS := tr.connectAgent(t, "tok-1")
	clientWS, _, _ := tr.connectClient(t, "user-1", "tok-1")

	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "message", "content": "first"}))
	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "message", "content": "second"}))

	frame := readFrame(t, clientWS)
	assert.Equal(t, "error", frame["type"])

	got := readFrame(t, agentWS)
	require.Equal(t, "first", got["content"])

	require.NoError(t, agentWS.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var extra map[string]any
	assert.Error(t, agentWS.ReadJSON(&extra), "the rate-limited message must never arrive")
}

func TestReplayRejected(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	agentWS := tr.connectAgent(t, "tok-1")
	clientWS, sessionID, _ := tr.connectClient(t, "user-1", "tok-1")

	nonce := signature.Nonce()
	ts := time.Now().UnixMilli()

	sendSignedMessage(t, agentWS, sessionID, "once", nonce, ts)
	assert.Equal(t, "once", readFrame(t, clientWS)["content"])

	sendSignedMessage(t, agentWS, sessionID, "once", nonce, ts)
	frame := readFrame(t, agentWS)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "duplicate nonce", frame["message"])
}

func TestStaleTimestampRejected(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	agentWS := tr.connectAgent(t, "tok-1")

	ts := time.Now().Add(-6 * time.Minute).UnixMilli()
	sendSignedMessage(t, agentWS, "sess-x", "old news", signature.Nonce(), ts)

	frame := readFrame(t, agentWS)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "timestamp out of range", frame["message"])
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	clientWS, _, _ := tr.connectClient(t, "user-1", "tok-1")

	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "bogus"}))
	frame := readFrame(t, clientWS)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "unknown message type", frame["message"])

	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, clientWS)["type"])
}

func TestInactivityTimeout(t *testing.T) {
	tr := newTestRelay(t, Config{InactivityTimeout: 150 * time.Millisecond}, ratelimit.Config{})

	ws := tr.dial(t, "/relay/agent")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "idle connection is closed by the relay")
}

func TestAgentOfflineNotification(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	agentWS := tr.connectAgent(t, "tok-1")
	clientWS, _, online := tr.connectClient(t, "user-1", "tok-1")
	require.True(t, online)

	require.NoError(t, agentWS.Close())

	frame := readFrame(t, clientWS)
	assert.Equal(t, "agent_status", frame["type"])
	assert.Equal(t, false, frame["online"])

	require.Eventually(t, func() bool {
		return !tr.store.Online("user-1", "tok-1")
	}, time.Second, 10*time.Millisecond)
}

func TestEvictAndReplaceOnDuplicateToken(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	first := tr.connectAgent(t, "tok-1")
	second := tr.connectAgent(t, "tok-1")

	// The first socket is closed by the relay.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return tr.relay.Stats().Agents == 1
	}, time.Second, 10*time.Millisecond)

	// The connection gauge tracks the registry: the evicted socket must not
	// leave a stale increment behind.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tr.metrics.AgentConnections) == 1
	}, time.Second, 10*time.Millisecond)

	// The replacement keeps working.
	clientWS, sessionID, online := tr.connectClient(t, "user-1", "tok-1")
	require.True(t, online)
	sendSignedMessage(t, second, sessionID, "still here", signature.Nonce(), time.Now().UnixMilli())
	assert.Equal(t, "still here", readFrame(t, clientWS)["content"])
}

func TestRoutingNeverCrossesUsers(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")

	agentWS := tr.connectAgent(t, "tok-1")

	// A different user targeting the same token id sees the agent offline and
	// its messages never reach it.
	clientWS, _, online := tr.connectClient(t, "user-2", "tok-1")
	require.False(t, online)

	require.NoError(t, clientWS.WriteJSON(map[string]any{"type": "message", "content": "intrusion"}))

	require.NoError(t, agentWS.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var frame map[string]any
	assert.Error(t, agentWS.ReadJSON(&frame), "cross-tenant message must not be delivered")
}

func TestStats(t *testing.T) {
	tr := newTestRelay(t, Config{}, ratelimit.Config{})
	tr.seedToken(t, "user-1", "tok-1")
	tr.seedToken(t, "user-2", "tok-2")

	tr.connectAgent(t, "tok-1")
	tr.connectAgent(t, "tok-2")
	tr.connectClient(t, "user-1", "tok-1")

	s := tr.relay.Stats()
	assert.Equal(t, 2, s.Agents)
	assert.Equal(t, 1, s.Clients)
	assert.Equal(t, 2, s.Users)
}
