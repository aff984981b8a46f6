package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawui/claw-relay/internal/auth"
	"github.com/clawui/claw-relay/internal/metrics"
	"github.com/clawui/claw-relay/internal/protocol"
	"github.com/clawui/claw-relay/internal/ratelimit"
	"github.com/clawui/claw-relay/internal/tokens"
)

const (
	defaultMessageSizeLimit  = 64 * 1024
	defaultInactivityTimeout = 5 * time.Minute

	// The transport read limit sits far above the content limit so an
	// oversize payload still arrives as a frame and gets an in-band error
	// instead of a hard close with code 1009.
	transportReadLimit = 16 * defaultMessageSizeLimit

	authLookupTimeout  = 10 * time.Second
	statusWriteTimeout = 5 * time.Second
)

// Config controls per-connection limits. Zero values fall back to defaults.
type Config struct {
	MessageSizeLimit  int
	InactivityTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MessageSizeLimit <= 0 {
		c.MessageSizeLimit = defaultMessageSizeLimit
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
}

// readLimit is the per-frame cap handed to the socket. It always leaves
// generous headroom over MessageSizeLimit; oversize content is rejected by the
// handlers' length checks, not by the transport.
func (c *Config) readLimit() int64 {
	limit := 4 * c.MessageSizeLimit
	if limit < transportReadLimit {
		limit = transportReadLimit
	}
	return int64(limit)
}

// RouteMissHandler is invoked when a routed message finds no registered peer.
// The default drops silently (log only) so presence does not leak to the
// sender; deployments may swap in an explicit peer-offline signal.
type RouteMissHandler func(userID, targetID string)

// Stats is the diagnostics snapshot served on /health.
type Stats struct {
	Agents  int `json:"agents"`
	Clients int `json:"clients"`
	Users   int `json:"users"`
}

// Relay owns both connection registries and routes messages between agents
// and clients of the same user. All shared state lives on this instance;
// construct one per process and thread it through explicitly.
type Relay struct {
	cfg        Config
	agentAuth  *auth.AgentAuthenticator
	clientAuth *auth.ClientAuthenticator
	store      tokens.Store
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	onRouteMiss RouteMissHandler

	mu      sync.Mutex
	agents  map[string]map[string]*AgentConn  // userID -> tokenID
	clients map[string]map[string]*ClientConn // userID -> sessionID
}

func New(cfg Config, agentAuth *auth.AgentAuthenticator, clientAuth *auth.ClientAuthenticator, store tokens.Store, limiter *ratelimit.Limiter, m *metrics.Metrics) *Relay {
	cfg.applyDefaults()

	r := &Relay{
		cfg:        cfg,
		agentAuth:  agentAuth,
		clientAuth: clientAuth,
		store:      store,
		limiter:    limiter,
		metrics:    m,
		upgrader: websocket.Upgrader{
			// Browser clients connect cross-origin from the hosted UI.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		agents:  make(map[string]map[string]*AgentConn),
		clients: make(map[string]map[string]*ClientConn),
	}
	r.onRouteMiss = func(userID, targetID string) {
		slog.Warn("No peer for routed message", "user_id", userID, "target", targetID)
	}
	return r
}

// SetRouteMissHandler replaces the silent-drop behavior for missing routing
// targets.
func (r *Relay) SetRouteMissHandler(h RouteMissHandler) {
	if h != nil {
		r.onRouteMiss = h
	}
}

// Stats counts current connections and distinct users with at least one
// agent online.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, userAgents := range r.agents {
		s.Agents += len(userAgents)
	}
	for _, userClients := range r.clients {
		s.Clients += len(userClients)
	}
	s.Users = len(r.agents)
	return s
}

// Close drops every connection. Cleanup runs through the usual per-socket
// paths as the read loops observe the closed sockets.
func (r *Relay) Close() {
	r.mu.Lock()
	var conns []interface{ close() }
	for _, userAgents := range r.agents {
		for _, c := range userAgents {
			conns = append(conns, c)
		}
	}
	for _, userClients := range r.clients {
		for _, c := range userClients {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// registerAgent inserts the connection under (userID, tokenID) as one atomic
// check-and-insert. A prior connection holding the same key is evicted and
// replaced; its cleanup sees it is no longer current and skips the offline
// fanout.
func (r *Relay) registerAgent(c *AgentConn) {
	r.mu.Lock()
	userAgents, ok := r.agents[c.userID]
	if !ok {
		userAgents = make(map[string]*AgentConn)
		r.agents[c.userID] = userAgents
	}
	evicted := userAgents[c.tokenID]
	userAgents[c.tokenID] = c
	r.mu.Unlock()

	if evicted != nil {
		slog.Warn("Agent already connected, replacing connection",
			"user_id", c.userID, "token_id", c.tokenID)
		evicted.close()
		// The evicted socket's cleanup sees it is no longer current and skips
		// both the offline fanout and the gauge, so account for it here.
		r.metrics.AgentConnections.Dec()
	}
}

// dropAgent removes the connection if it is still the registered one and
// fans out the offline transition. Safe to call more than once.
func (r *Relay) dropAgent(c *AgentConn) {
	r.mu.Lock()
	current := false
	if userAgents, ok := r.agents[c.userID]; ok && userAgents[c.tokenID] == c {
		delete(userAgents, c.tokenID)
		if len(userAgents) == 0 {
			delete(r.agents, c.userID)
		}
		current = true
	}
	r.mu.Unlock()

	c.close()
	if !current {
		// Evicted by a newer connection with the same token; presence is
		// owned by the replacement.
		return
	}

	r.metrics.AgentConnections.Dec()
	r.setConnectionStatus(c.userID, c.tokenID, false)
	r.notifyAgentStatus(c.userID, c.tokenID, false)
	slog.Info("Agent disconnected", "user_id", c.userID, "token_id", c.tokenID)
}

func (r *Relay) registerClient(c *ClientConn) {
	r.mu.Lock()
	userClients, ok := r.clients[c.userID]
	if !ok {
		userClients = make(map[string]*ClientConn)
		r.clients[c.userID] = userClients
	}
	userClients[c.sessionID] = c
	r.mu.Unlock()
}

func (r *Relay) dropClient(c *ClientConn) {
	r.mu.Lock()
	current := false
	if userClients, ok := r.clients[c.userID]; ok && userClients[c.sessionID] == c {
		delete(userClients, c.sessionID)
		if len(userClients) == 0 {
			delete(r.clients, c.userID)
		}
		current = true
	}
	r.mu.Unlock()

	c.close()
	if !current {
		return
	}

	r.metrics.ClientConnections.Dec()
	slog.Info("Client disconnected", "user_id", c.userID, "session_id", c.sessionID)
}

func (r *Relay) isAgentOnline(userID, tokenID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	userAgents, ok := r.agents[userID]
	if !ok {
		return false
	}
	_, online := userAgents[tokenID]
	return online
}

// notifyAgentStatus tells every client of userID targeting agentID about an
// online/offline transition.
func (r *Relay) notifyAgentStatus(userID, agentID string, online bool) {
	r.mu.Lock()
	var targets []*ClientConn
	for _, c := range r.clients[userID] {
		if c.agentID == agentID {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	status := protocol.NewAgentStatus(online)
	for _, c := range targets {
		if err := c.send(status); err != nil {
			slog.Debug("Failed to send agent status", "session_id", c.sessionID, "error", err)
		}
	}
}

// routeToClient delivers an agent's message to the client session registered
// under the same user. Routing never crosses user boundaries.
func (r *Relay) routeToClient(userID, sessionID string, msg protocol.Message) {
	r.mu.Lock()
	c := r.clients[userID][sessionID]
	r.mu.Unlock()

	if c == nil {
		r.metrics.MessagesDropped.WithLabelValues("no_peer").Inc()
		r.onRouteMiss(userID, sessionID)
		return
	}

	if err := c.send(msg); err != nil {
		r.metrics.MessagesDropped.WithLabelValues("send_failed").Inc()
		slog.Warn("Failed to route message to client", "user_id", userID, "session_id", sessionID, "error", err)
		return
	}
	r.metrics.MessagesRouted.WithLabelValues("to_client").Inc()
}

// routeToAgent delivers a client's message to its target agent, stamping the
// session id so the agent knows which conversation to answer.
func (r *Relay) routeToAgent(userID, agentID, sessionID string, msg protocol.Message) {
	r.mu.Lock()
	a := r.agents[userID][agentID]
	r.mu.Unlock()

	if a == nil {
		r.metrics.MessagesDropped.WithLabelValues("no_peer").Inc()
		r.onRouteMiss(userID, agentID)
		return
	}

	if err := a.send(msg); err != nil {
		r.metrics.MessagesDropped.WithLabelValues("send_failed").Inc()
		slog.Warn("Failed to route message to agent", "user_id", userID, "token_id", agentID, "error", err)
		return
	}
	r.metrics.MessagesRouted.WithLabelValues("to_agent").Inc()
}

// setConnectionStatus records the transition in the credential store without
// blocking the handler; there is no atomicity between routing and this
// update.
func (r *Relay) setConnectionStatus(userID, tokenID string, online bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		defer cancel()
		if err := r.store.SetConnectionStatus(ctx, userID, tokenID, online); err != nil {
			slog.Debug("Failed to update connection status", "user_id", userID, "token_id", tokenID, "error", err)
		}
	}()
}

// touchLastSeen records heartbeat liveness in the credential store,
// fire-and-forget.
func (r *Relay) touchLastSeen(userID, tokenID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		defer cancel()
		if err := r.store.TouchLastSeen(ctx, userID, tokenID); err != nil {
			slog.Debug("Failed to update last seen", "user_id", userID, "token_id", tokenID, "error", err)
		}
	}()
}
