// Package client provides a reusable WebSocket load test client for the
// practice matchmaking server. It connects using gobwas/ws (the same library
// the server uses), captures the connection ID from the session_created
// handshake, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
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

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeUserMatched    = "user_matched"
	TypeUserLeft       = "user_left"
	TypeError          = "error"
	TypePong           = "pong"
)

// Profile mirrors the join_room profile payload.
type Profile struct {
	Name          string   `json:"name"`
	TechInterest  string   `json:"tech_interest,omitempty"`
	PracticeGoals []string `json:"practice_goals,omitempty"`
	University    string   `json:"university,omitempty"`
	Year          string   `json:"year,omitempty"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the server. It
// manages the WebSocket lifecycle, dispatches incoming messages to registered
// handlers, and captures the connection ID from session_created.
type Client struct {
	conn      net.Conn
	connID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading messages.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// JoinRoom sends a join_room message with the given room and profile.
func (c *Client) JoinRoom(roomID string, profile Profile) error {
	return c.Send(map[string]interface{}{
		"type":    TypeJoinRoom,
		"room_id": roomID,
		"profile": profile,
	})
}

// LeaveRoom sends a leave_room message.
func (c *Client) LeaveRoom() error {
	return c.Send(map[string]string{"type": TypeLeaveRoom})
}

// SendSignal sends a signaling frame (offer/answer/ice_candidate) to the
// given target connection.
func (c *Client) SendSignal(msgType, targetID string, payload interface{}) error {
	return c.Send(map[string]interface{}{
		"type":      msgType,
		"target_id": targetID,
		"payload":   payload,
	})
}

// SendChat sends a chat_message with the given text.
func (c *Client) SendChat(text string) error {
	return c.Send(map[string]string{"type": TypeChatMessage, "text": text})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForSession blocks until the server has assigned a connection ID or the
// context is cancelled. This is useful for coordinating load test phases
// that depend on the handshake being complete.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before session was created")
		case <-ticker.C:
			if c.connID != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ConnID returns the connection ID assigned by the server, or an empty string
// if the handshake has not completed yet.
func (c *Client) ConnID() string {
	return c.connID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle session_created internally: capture the connection ID.
		if envelope.Type == TypeSessionCreated {
			var msg struct {
				Type      string `json:"type"`
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.connID = msg.SessionID
			}
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
