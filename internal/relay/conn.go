package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AgentConn is a registered, authenticated agent socket. The token secret is
// cached here at handshake time so per-message verification never goes back
// to the credential store.
type AgentConn struct {
	ws          *websocket.Conn
	userID      string
	tokenID     string
	secret      string
	connectedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	closed        bool
}

// ClientConn is a registered, authenticated client socket. The session id is
// always generated by the relay, never accepted from the client.
type ClientConn struct {
	ws          *websocket.Conn
	userID      string
	sessionID   string
	agentID     string
	connectedAt time.Time

	mu       sync.Mutex
	lastPing time.Time
	closed   bool
}

// send serializes writes to the socket; the reader goroutine and routing from
// other connections both write here.
func (c *AgentConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteJSON(v)
}

func (c *AgentConn) touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

func (c *AgentConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}

func (c *ClientConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteJSON(v)
}

func (c *ClientConn) touch(now time.Time) {
	c.mu.Lock()
	c.lastPing = now
	c.mu.Unlock()
}

func (c *ClientConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}
