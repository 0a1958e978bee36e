// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the relay server. All events are serialized as JSON
// and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server event types. TypeMessage and TypeTyping are bidirectional:
// the server relays them to other connections under the same tag.
const (
	TypeIdentify = "identify"
	TypeMessage  = "message"
	TypeTyping   = "typing"
)

// Server -> Client event types.
const (
	TypeServerInfo = "serverInfo"
)

// Envelope holds the event type and the raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// IdentifyMsg is sent by the client to bind its connection to an identity.
// Phone is the unique identity key; an identify without a phone is ignored.
type IdentifyMsg struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone"`
}

// MessageMsg is a chat message. Clients send it without ID/Timestamp; the
// relay forwards the payload verbatim, so both optional fields survive a
// round trip untouched.
type MessageMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// TypingMsg indicates whether the named client is currently typing. It is
// ephemeral: relayed to other connections and never persisted.
type TypingMsg struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Typing bool   `json:"typing"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// UserInfo is one entry of the connected-user list in a serverInfo event.
type UserInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// ServerInfoMsg is the presence update pushed to every connection whenever the
// presence registry changes. ConnectedUsers counts distinct identities by
// phone, not raw connections.
type ServerInfoMsg struct {
	Type           string     `json:"type"`
	ConnectedUsers int        `json:"connectedUsers"`
	Users          []UserInfo `json:"users,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeIdentify:
		var m IdentifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key, so callers
// may pass payload structs with an empty Type field.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
