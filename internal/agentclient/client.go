// Package agentclient implements the outbound side of the relay protocol: a
// reconnecting WebSocket client that agents embed to reach their users. It
// signs the handshake and every message with the token secret and keeps the
// connection alive with heartbeats.
package agentclient

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawui/claw-relay/internal/protocol"
	"github.com/clawui/claw-relay/internal/signature"
)

const (
	sendChannelBuffer = 100
	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 10 * time.Second

	defaultHeartbeatInterval = 30 * time.Second
	defaultInitialDelay      = 1 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMaxAttempts       = 10
	backoffFactor            = 2
)

// State is the connection lifecycle phase. Failed is terminal: the relay
// rejected our credentials and retrying would only repeat the rejection.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateFailed         State = "failed"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrBufferFull   = errors.New("send buffer full")

	// errAuthRejected wraps the relay's auth_error message; it stops the
	// reconnect loop.
	errAuthRejected = errors.New("authentication rejected")
)

// Handler is invoked for every user message routed to this agent. It runs on
// the receive goroutine, so long handlers delay subsequent messages.
type Handler func(sessionID, content string)

// Config holds the dial target and credentials. Zero durations and counts
// fall back to the defaults (30s heartbeat, 1s..30s backoff, 10 attempts).
type Config struct {
	URL     string
	TokenID string
	Secret  string

	HeartbeatInterval time.Duration
	InitialDelay      time.Duration
	MaxDelay          time.Duration

	// MaxAttempts bounds consecutive failed dials before the client gives
	// up. Zero means retry forever. A successful connection resets the
	// count.
	MaxAttempts int

	Dialer *websocket.Dialer
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
}

type Client struct {
	cfg     Config
	handler Handler

	sendCh chan any
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectDelay time.Duration

	mu      sync.RWMutex
	state   State
	ws      *websocket.Conn
	lastErr error
}

func New(cfg Config, handler Handler) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:            cfg,
		handler:        handler,
		sendCh:         make(chan any, sendChannelBuffer),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		reconnectDelay: cfg.InitialDelay,
		state:          StateDisconnected,
	}
}

func (c *Client) Start() error {
	if c.cfg.URL == "" || c.cfg.TokenID == "" || c.cfg.Secret == "" {
		return errors.New("url, token id and secret are required")
	}
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping agent client")
	close(c.stopCh)
	<-c.doneCh
	slog.Info("Agent client stopped")
	return nil
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the error that moved the client into StateFailed, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Send signs content and queues it toward sessionID. It fails fast while the
// connection is down; the caller decides whether to buffer and retry.
func (c *Client) Send(sessionID, content string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	ts := time.Now().UnixMilli()
	nonce := signature.Nonce()
	msg := &protocol.AgentMessage{
		Type:      protocol.TypeMessage,
		SessionID: sessionID,
		Content:   content,
		Nonce:     nonce,
		Timestamp: ts,
		Signature: signature.Sign(c.cfg.Secret, signature.MessagePayload(content, nonce, ts)),
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	c.mu.Unlock()
	slog.Error("Agent client giving up", "error", err)
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	attempts := 0
	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			c.setState(StateDisconnected)
			return
		default:
		}

		if err := c.connect(); err != nil {
			if errors.Is(err, errAuthRejected) {
				c.fail(err)
				return
			}

			attempts++
			if c.cfg.MaxAttempts > 0 && attempts >= c.cfg.MaxAttempts {
				c.fail(fmt.Errorf("connect after %d attempts: %w", attempts, err))
				return
			}

			c.setState(StateDisconnected)
			slog.Error("Connection failed", "error", err, "attempt", attempts, "retry_in", c.reconnectDelay)
			select {
			case <-time.After(c.reconnectDelay):
				c.increaseReconnectDelay()
				continue
			case <-c.stopCh:
				c.setState(StateDisconnected)
				return
			}
		}

		attempts = 0
		c.reconnectDelay = c.cfg.InitialDelay

		if err := c.runSession(); err != nil {
			slog.Info("Session ended", "error", err)
		}

		c.disconnect()
		c.setState(StateDisconnected)

		select {
		case <-c.stopCh:
			return
		default:
			slog.Info("Reconnecting", "delay", c.reconnectDelay)
			time.Sleep(c.reconnectDelay)
			c.increaseReconnectDelay()
		}
	}
}

// connect dials the relay and completes the signed handshake. An auth_error
// response is terminal; everything else is retried by the caller.
func (c *Client) connect() error {
	c.setState(StateConnecting)
	slog.Info("Connecting to relay", "url", c.cfg.URL)

	ws, _, err := c.cfg.Dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.setState(StateAuthenticating)

	ts := time.Now().UnixMilli()
	auth := &protocol.AgentAuth{
		Type:      protocol.TypeAuth,
		TokenID:   c.cfg.TokenID,
		Timestamp: ts,
		Signature: signature.Sign(c.cfg.Secret, signature.AuthPayload(c.cfg.TokenID, ts)),
	}

	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(auth); err != nil {
		_ = ws.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var frame serverFrame
	if err := ws.ReadJSON(&frame); err != nil {
		_ = ws.Close()
		return fmt.Errorf("read handshake reply: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	switch frame.Type {
	case protocol.TypeAuthOK:
	case protocol.TypeAuthError:
		_ = ws.Close()
		return fmt.Errorf("%w: %s", errAuthRejected, frame.Message)
	default:
		_ = ws.Close()
		return fmt.Errorf("unexpected handshake reply %q", frame.Type)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.mu.Unlock()

	slog.Info("Connected to relay", "token_id", c.cfg.TokenID)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
		c.ws = nil
	}
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay *= backoffFactor
	if c.reconnectDelay > c.cfg.MaxDelay {
		c.reconnectDelay = c.cfg.MaxDelay
	}
}

func (c *Client) conn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ws
}

// runSession pumps the connection until any loop reports an error.
func (c *Client) runSession() error {
	done := make(chan struct{})
	errChan := make(chan error, 3)

	go c.receiveLoop(done, errChan)
	go c.sendLoop(done, errChan)
	go c.heartbeatLoop(done, errChan)

	var err error
	select {
	case err = <-errChan:
	case <-c.stopCh:
		err = errors.New("stopped")
	}
	close(done)
	c.disconnect()
	return err
}

func (c *Client) receiveLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
		}

		ws := c.conn()
		if ws == nil {
			errChan <- ErrNotConnected
			return
		}

		var frame serverFrame
		if err := ws.ReadJSON(&frame); err != nil {
			errChan <- err
			return
		}

		c.processFrame(&frame)
	}
}

func (c *Client) sendLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.sendCh:
			ws := c.conn()
			if ws == nil {
				errChan <- ErrNotConnected
				return
			}

			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(done chan struct{}, errChan chan error) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			select {
			case c.sendCh <- &protocol.AgentHeartbeat{Type: protocol.TypeHeartbeat}:
				slog.Debug("Heartbeat queued")
			default:
				errChan <- ErrBufferFull
				return
			}
		}
	}
}

// serverFrame is the union of everything the relay sends to an agent.
type serverFrame struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Message   string `json:"message"`
}

func (c *Client) processFrame(frame *serverFrame) {
	switch frame.Type {
	case protocol.TypeMessage:
		slog.Debug("Message received", "session_id", frame.SessionID)
		if c.handler != nil {
			c.handler(frame.SessionID, frame.Content)
		}

	case protocol.TypeError:
		slog.Warn("Relay rejected a message", "message", frame.Message)

	default:
		slog.Warn("Unknown frame type", "type", frame.Type)
	}
}
