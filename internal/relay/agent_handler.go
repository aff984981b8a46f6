package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawui/claw-relay/internal/auth"
	"github.com/clawui/claw-relay/internal/protocol"
)

// HandleAgent serves the /relay/agent endpoint.
func (r *Relay) HandleAgent(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("Agent WebSocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	r.metrics.ConnectionsTotal.WithLabelValues("agent").Inc()
	slog.Debug("New agent connection attempt", "remote", req.RemoteAddr)
	r.serveAgent(ws)
}

func (r *Relay) serveAgent(ws *websocket.Conn) {
	ws.SetReadLimit(r.cfg.readLimit())

	// Armed immediately: an unauthenticated socket gets the same idle budget
	// as an authenticated one.
	timer := time.AfterFunc(r.cfg.InactivityTimeout, func() {
		slog.Debug("Agent connection timed out")
		_ = ws.Close()
	})
	defer timer.Stop()

	var agent *AgentConn
	defer func() {
		_ = ws.Close()
		if agent != nil {
			r.dropAgent(agent)
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		if agent == nil {
			agent = r.authenticateAgent(ws, data)
			if agent == nil {
				return
			}
			timer.Reset(r.cfg.InactivityTimeout)
			continue
		}

		msg, err := protocol.DecodeAgentInbound(data)
		if err != nil {
			var unknown *protocol.UnknownTypeError
			if errors.As(err, &unknown) {
				_ = agent.send(protocol.NewError("unknown message type"))
			} else {
				_ = agent.send(protocol.NewError("invalid message format"))
			}
			continue
		}

		timer.Reset(r.cfg.InactivityTimeout)

		switch m := msg.(type) {
		case *protocol.AgentHeartbeat:
			agent.touch(time.Now())
			r.touchLastSeen(agent.userID, agent.tokenID)

		case *protocol.AgentMessage:
			r.handleAgentMessage(agent, m)

		case *protocol.AgentAuth:
			_ = agent.send(protocol.NewError("already authenticated"))
		}
	}
}

// authenticateAgent handles the first frame of an agent connection. Any
// failure sends auth_error and reports a nil connection; the caller closes
// the socket. Registration happens only after the credential lookup has
// resolved.
func (r *Relay) authenticateAgent(ws *websocket.Conn, data []byte) *AgentConn {
	msg, err := protocol.DecodeAgentInbound(data)
	authMsg, ok := msg.(*protocol.AgentAuth)
	if err != nil || !ok {
		_ = ws.WriteJSON(protocol.NewAuthError("authentication required"))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), authLookupTimeout)
	defer cancel()

	tok, err := r.agentAuth.Authenticate(ctx, authMsg.TokenID, authMsg.Timestamp, authMsg.Signature)
	if err != nil {
		r.metrics.AuthFailures.WithLabelValues("agent").Inc()
		slog.Info("Agent authentication failed", "token_id", authMsg.TokenID, "error", err)
		_ = ws.WriteJSON(protocol.NewAuthError(agentAuthErrorMessage(err)))
		return nil
	}

	now := time.Now()
	agent := &AgentConn{
		ws:            ws,
		userID:        tok.UserID,
		tokenID:       tok.TokenID,
		secret:        tok.Secret,
		connectedAt:   now,
		lastHeartbeat: now,
	}

	r.registerAgent(agent)
	r.metrics.AgentConnections.Inc()

	_ = agent.send(protocol.NewAuthOKAgent(agent.tokenID))
	r.setConnectionStatus(agent.userID, agent.tokenID, true)
	r.notifyAgentStatus(agent.userID, agent.tokenID, true)

	slog.Info("Agent authenticated", "token_id", agent.tokenID, "user_id", agent.userID)
	return agent
}

// handleAgentMessage applies the size, rate, replay and signature checks in
// order; every rejection is an in-band error that keeps the connection open.
func (r *Relay) handleAgentMessage(agent *AgentConn, m *protocol.AgentMessage) {
	if len(m.Content) > r.cfg.MessageSizeLimit {
		_ = agent.send(protocol.NewError("message too large"))
		return
	}

	if !r.limiter.Allow(agent.userID) {
		r.metrics.RateLimited.Inc()
		_ = agent.send(protocol.NewError("rate limit exceeded"))
		return
	}

	if err := r.agentAuth.VerifyMessage(agent.secret, m.Content, m.Nonce, m.Timestamp, m.Signature); err != nil {
		if errors.Is(err, auth.ErrReplayDetected) || errors.Is(err, auth.ErrStaleTimestamp) {
			r.metrics.ReplaysRejected.Inc()
		}
		_ = agent.send(protocol.NewError(verifyErrorMessage(err)))
		return
	}

	r.routeToClient(agent.userID, m.SessionID, protocol.NewAssistantMessage(m.Content))
}

func agentAuthErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenNotFound):
		return "token not found"
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrInvalidSignature):
		return "invalid signature"
	default:
		return "authentication failed"
	}
}

func verifyErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrStaleTimestamp):
		return "timestamp out of range"
	case errors.Is(err, auth.ErrReplayDetected):
		return "duplicate nonce"
	case errors.Is(err, auth.ErrInvalidSignature):
		return "invalid signature"
	default:
		return "message rejected"
	}
}
