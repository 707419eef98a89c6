// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator. Signaling payloads (SDP offers/answers, ICE candidates) are
// carried as opaque raw JSON; the server never inspects them.
package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/peerprep/practice-server/internal/store"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeChatMessage  = "chat_message"
	TypePing         = "ping"
)

// Server -> Client message types. The signaling types (offer, answer,
// ice_candidate) and chat_message are shared with the client direction; the
// payload shape differs (sender-tagged instead of target-tagged).
const (
	TypeSessionCreated = "session_created"
	TypeUserMatched    = "user_matched"
	TypeUserLeft       = "user_left"
	TypeError          = "error"
	TypePong           = "pong"
)

// IsSignal reports whether the message type is one of the three
// connection-negotiation events relayed 1:1 between matched peers.
func IsSignal(msgType string) bool {
	return msgType == TypeOffer || msgType == TypeAnswer || msgType == TypeICECandidate
}

// ---------------------------------------------------------------------------
// Envelope, used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg is sent by the client to enter a practice room's waiting pool.
type JoinRoomMsg struct {
	Type    string        `json:"type"`
	RoomID  string        `json:"room_id"`
	Profile store.Profile `json:"profile"`
}

// Validate rejects joins the matcher cannot work with. The optional profile
// fields (goals, university, year) may be empty; the room and a display name
// may not.
func (m JoinRoomMsg) Validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("protocol: join_room requires room_id")
	}
	if m.Profile.Name == "" {
		return fmt.Errorf("protocol: join_room requires profile.name")
	}
	return nil
}

// LeaveRoomMsg is sent by the client to leave its current room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SignalMsg is an offer, answer or ice_candidate addressed to the matched
// peer. Payload is forwarded verbatim.
type SignalMsg struct {
	Type     string          `json:"type"`
	TargetID string          `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Chat text limits, enforced before a line is broadcast.
const (
	MaxChatBytes = 4096 // max encoded size
	MaxChatChars = 2000 // max character count
)

// ChatMsg is a chat line broadcast to the sender's room.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Validate checks that the chat text meets content requirements.
func (m ChatMsg) Validate() error {
	if len(m.Text) == 0 {
		return fmt.Errorf("protocol: chat text is empty")
	}
	if len(m.Text) > MaxChatBytes {
		return fmt.Errorf("protocol: chat text exceeds %d byte limit", MaxChatBytes)
	}
	if utf8.RuneCountInString(m.Text) > MaxChatChars {
		return fmt.Errorf("protocol: chat text exceeds %d character limit", MaxChatChars)
	}
	if !utf8.ValidString(m.Text) {
		return fmt.Errorf("protocol: chat text contains invalid UTF-8")
	}
	return nil
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent when a connection is established; the ID is the
// connection identifier peers will use to address signaling messages.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// UserMatchedMsg tells a client it has been paired, carrying the partner's
// profile and connection ID.
type UserMatchedMsg struct {
	Type string            `json:"type"`
	Peer store.PeerProfile `json:"peer"`
}

// UserLeftMsg tells a client that its matched partner left or disconnected.
type UserLeftMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ServerSignalMsg is a relayed offer, answer or ice_candidate, tagged with
// the sender so the receiver can reply.
type ServerSignalMsg struct {
	Type     string          `json:"type"`
	SenderID string          `json:"sender_id"`
	Payload  json.RawMessage `json:"payload"`
}

// ServerChatMsg is a chat line relayed to the rest of the room.
type ServerChatMsg struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it,
// injects the type field, and returns the final bytes.
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
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
