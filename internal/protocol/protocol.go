// Package protocol defines the JSON wire format shared by the termplex client
// and server. Every frame is an Envelope whose payload shape depends on Type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of WebSocket message.
type MessageType string

// Client → server requests.
const (
	MsgAuth     MessageType = "auth"
	MsgCreate   MessageType = "create"
	MsgInput    MessageType = "input"
	MsgResize   MessageType = "resize"
	MsgClose    MessageType = "close"
	MsgReattach MessageType = "reattach"
)

// Server → client events.
const (
	MsgOutput         MessageType = "output"
	MsgCreated        MessageType = "created"
	MsgClosed         MessageType = "closed"
	MsgReattached     MessageType = "reattached"
	MsgReattachFailed MessageType = "reattach_failed"
	MsgResizeAck      MessageType = "resize_ack"
	MsgError          MessageType = "error"
)

// Envelope is the frame for all WebSocket messages. SessionID correlates the
// frame with a terminal session; it is empty only for auth and error frames.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope, marshalling payload when it is non-nil.
func New(t MessageType, sessionID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, SessionID: sessionID}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the envelope payload into out. An empty payload leaves out
// untouched.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// AuthPayload authenticates a freshly dialled connection.
type AuthPayload struct {
	Token string `json:"token"`
}

// CreatePayload asks the server to start a new terminal session.
type CreatePayload struct {
	Name       string            `json:"name"`
	Cols       int               `json:"cols"`
	Rows       int               `json:"rows"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

// InputPayload carries keystrokes for a session.
type InputPayload struct {
	Data string `json:"data"`
}

// ResizePayload carries a character grid. Used by resize requests and
// resize_ack events.
type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// OutputPayload carries terminal output. Historical output replaces whatever
// the consumer already holds; live output is appended.
type OutputPayload struct {
	Data       string `json:"data"`
	Historical bool   `json:"historical,omitempty"`
}

// CreatedPayload acknowledges a create request.
type CreatedPayload struct {
	Name string `json:"name"`
}

// ClosedPayload reports that the server released a session.
type ClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ReattachFailedPayload explains a rejected reattach.
type ReattachFailedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload wraps a server-side error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// SessionInfo describes a server-side session in the REST listing.
type SessionInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	WorkingDir string    `json:"workingDir,omitempty"`
	Cols       int       `json:"cols,omitempty"`
	Rows       int       `json:"rows,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	PID        int       `json:"pid,omitempty"`
	Command    string    `json:"command,omitempty"`
}

// SessionListing is the response of GET /api/sessions. Active sessions have a
// live process; saved sessions were persisted and can be resumed by reattach.
type SessionListing struct {
	Active []SessionInfo `json:"active"`
	Saved  []SessionInfo `json:"saved"`
}

// RenameRequest is the body of PUT /api/sessions/{id}/name.
type RenameRequest struct {
	Name string `json:"name"`
}
