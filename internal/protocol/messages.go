// Package protocol defines the JSON frames exchanged over the relay's two
// WebSocket endpoints. Every frame carries a "type" discriminator; inbound
// frames are decoded into one variant of a per-direction sum type so
// dispatch in the handlers is exhaustive.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	TypeAuth        = "auth"
	TypeAuthOK      = "auth_ok"
	TypeAuthError   = "auth_error"
	TypeHeartbeat   = "heartbeat"
	TypeMessage     = "message"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeAgentStatus = "agent_status"
	TypeError       = "error"
)

// Message roles as seen by the client UI.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type envelope struct {
	Type string `json:"type"`
}

// UnknownTypeError marks a frame whose type is syntactically valid JSON but
// not part of the protocol for its direction.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// AgentInbound is a frame sent by an agent to the relay.
type AgentInbound interface{ agentInbound() }

// AgentAuth is the agent's signed auth handshake. Signature covers the
// canonical string "{tokenId}:{timestamp}".
type AgentAuth struct {
	Type      string `json:"type"`
	TokenID   string `json:"tokenId"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// AgentHeartbeat keeps the connection alive. No reply is sent.
type AgentHeartbeat struct {
	Type string `json:"type"`
}

// AgentMessage carries a signed, replay-protected payload toward a client
// session. Signature covers "{content}:{nonce}:{timestamp}".
type AgentMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

func (*AgentAuth) agentInbound()      {}
func (*AgentHeartbeat) agentInbound() {}
func (*AgentMessage) agentInbound()   {}

// DecodeAgentInbound parses a frame received on the agent endpoint.
func DecodeAgentInbound(data []byte) (AgentInbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case TypeAuth:
		var m AgentAuth
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed auth frame: %w", err)
		}
		return &m, nil
	case TypeHeartbeat:
		return &AgentHeartbeat{Type: TypeHeartbeat}, nil
	case TypeMessage:
		var m AgentMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed message frame: %w", err)
		}
		return &m, nil
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

// ClientInbound is a frame sent by a client to the relay.
type ClientInbound interface{ clientInbound() }

// ClientAuth carries the client's bearer credential and the agent it wants to
// reach.
type ClientAuth struct {
	Type    string `json:"type"`
	JWT     string `json:"jwt"`
	AgentID string `json:"agentId"`
}

// ClientPing requests a pong and refreshes the inactivity timer.
type ClientPing struct {
	Type string `json:"type"`
}

// ClientMessage is an unsigned application message toward the client's target
// agent; trust was established once at auth time.
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (*ClientAuth) clientInbound()    {}
func (*ClientPing) clientInbound()    {}
func (*ClientMessage) clientInbound() {}

// DecodeClientInbound parses a frame received on the client endpoint.
func DecodeClientInbound(data []byte) (ClientInbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case TypeAuth:
		var m ClientAuth
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed auth frame: %w", err)
		}
		return &m, nil
	case TypePing:
		return &ClientPing{Type: TypePing}, nil
	case TypeMessage:
		var m ClientMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed message frame: %w", err)
		}
		return &m, nil
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

// Outbound frames (relay -> agent or relay -> client).

// AuthOK acknowledges a successful handshake. AgentID is set on both sides;
// SessionID only toward clients.
type AuthOK struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// AuthError reports a terminal authentication failure; the relay closes the
// socket right after sending it.
type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Message is a routed application payload. SessionID is set toward agents so
// they know which conversation to answer.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content"`
	Role      string `json:"role"`
}

// AgentStatus tells a client whether its target agent is online.
type AgentStatus struct {
	Type   string `json:"type"`
	Online bool   `json:"online"`
}

// ErrorFrame reports a recoverable failure; the connection stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Pong answers a client ping.
type Pong struct {
	Type string `json:"type"`
}

func NewAuthOKAgent(agentID string) AuthOK {
	return AuthOK{Type: TypeAuthOK, AgentID: agentID}
}

func NewAuthOKClient(sessionID, agentID string) AuthOK {
	return AuthOK{Type: TypeAuthOK, SessionID: sessionID, AgentID: agentID}
}

func NewAuthError(message string) AuthError {
	return AuthError{Type: TypeAuthError, Message: message}
}

func NewUserMessage(sessionID, content string) Message {
	return Message{Type: TypeMessage, SessionID: sessionID, Content: content, Role: RoleUser}
}

func NewAssistantMessage(content string) Message {
	return Message{Type: TypeMessage, Content: content, Role: RoleAssistant}
}

func NewAgentStatus(online bool) AgentStatus {
	return AgentStatus{Type: TypeAgentStatus, Online: online}
}

func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}
