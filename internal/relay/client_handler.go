package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawui/claw-relay/internal/auth"
	"github.com/clawui/claw-relay/internal/protocol"
)

// HandleClient serves the /relay/client endpoint.
func (r *Relay) HandleClient(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("Client WebSocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	r.metrics.ConnectionsTotal.WithLabelValues("client").Inc()
	slog.Debug("New client connection attempt", "remote", req.RemoteAddr)
	r.serveClient(ws)
}

func (r *Relay) serveClient(ws *websocket.Conn) {
	ws.SetReadLimit(r.cfg.readLimit())

	timer := time.AfterFunc(r.cfg.InactivityTimeout, func() {
		slog.Debug("Client connection timed out")
		_ = ws.Close()
	})
	defer timer.Stop()

	var client *ClientConn
	defer func() {
		_ = ws.Close()
		if client != nil {
			r.dropClient(client)
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		if client == nil {
			client = r.authenticateClient(ws, data)
			if client == nil {
				return
			}
			timer.Reset(r.cfg.InactivityTimeout)
			continue
		}

		msg, err := protocol.DecodeClientInbound(data)
		if err != nil {
			var unknown *protocol.UnknownTypeError
			if errors.As(err, &unknown) {
				_ = client.send(protocol.NewError("unknown message type"))
			} else {
				_ = client.send(protocol.NewError("invalid message format"))
			}
			continue
		}

		timer.Reset(r.cfg.InactivityTimeout)

		switch m := msg.(type) {
		case *protocol.ClientPing:
			client.touch(time.Now())
			_ = client.send(protocol.NewPong())

		case *protocol.ClientMessage:
			r.handleClientMessage(client, m)

		case *protocol.ClientAuth:
			_ = client.send(protocol.NewError("already authenticated"))
		}
	}
}

// authenticateClient verifies the bearer credential and registers the
// session. The session id is generated here; a client-supplied id is never
// accepted.
func (r *Relay) authenticateClient(ws *websocket.Conn, data []byte) *ClientConn {
	msg, err := protocol.DecodeClientInbound(data)
	authMsg, ok := msg.(*protocol.ClientAuth)
	if err != nil || !ok {
		_ = ws.WriteJSON(protocol.NewAuthError("authentication required"))
		return nil
	}

	userID, err := r.clientAuth.Authenticate(authMsg.JWT)
	if err != nil {
		r.metrics.AuthFailures.WithLabelValues("client").Inc()
		slog.Info("Client authentication failed", "error", err)
		_ = ws.WriteJSON(protocol.NewAuthError(clientAuthErrorMessage(err)))
		return nil
	}

	now := time.Now()
	client := &ClientConn{
		ws:          ws,
		userID:      userID,
		sessionID:   uuid.NewString(),
		agentID:     authMsg.AgentID,
		connectedAt: now,
		lastPing:    now,
	}

	r.registerClient(client)
	r.metrics.ClientConnections.Inc()

	_ = client.send(protocol.NewAuthOKClient(client.sessionID, client.agentID))
	_ = client.send(protocol.NewAgentStatus(r.isAgentOnline(userID, client.agentID)))

	slog.Info("Client authenticated", "session_id", client.sessionID, "user_id", userID, "agent_id", client.agentID)
	return client
}

// handleClientMessage applies the same size and rate checks as the agent
// path; no signature is required from clients.
func (r *Relay) handleClientMessage(client *ClientConn, m *protocol.ClientMessage) {
	if len(m.Content) > r.cfg.MessageSizeLimit {
		_ = client.send(protocol.NewError("message too large"))
		return
	}

	if !r.limiter.Allow(client.userID) {
		r.metrics.RateLimited.Inc()
		_ = client.send(protocol.NewError("rate limit exceeded"))
		return
	}

	r.routeToAgent(client.userID, client.agentID, client.sessionID,
		protocol.NewUserMessage(client.sessionID, m.Content))
}

func clientAuthErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrCredentialExpired):
		return "credential expired"
	case errors.Is(err, auth.ErrCredentialInvalid):
		return "invalid credential"
	default:
		return "authentication failed"
	}
}
