// Package messaging provides a NATS client wrapper for fanning signaling and
// room chat traffic out across server instances. It handles connection
// lifecycle, subject-based subscriptions, and convenience methods for the two
// subject families the relay uses.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns. Signal subjects carry 1:1 connection-negotiation
// messages addressed to a single connection; room subjects carry chat
// broadcasts for everyone in a room.
const (
	SubjectSignal = "signal" // + .<conn_id>
	SubjectRoom   = "room"   // + .<room_id>
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "peerprep",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishSignal publishes data to the signal.<connID> subject. If no instance
// hosts that connection, nobody is subscribed and the message evaporates,
// which is exactly the relay's drop-silently contract.
func (c *Client) PublishSignal(connID string, data []byte) error {
	return c.conn.Publish(SubjectSignal+"."+connID, data)
}

// SubscribeSignal subscribes to the signal.<connID> subject and passes raw
// message data to the handler.
func (c *Client) SubscribeSignal(connID string, handler func(data []byte)) error {
	return c.subscribe(SubjectSignal+"."+connID, handler)
}

// UnsubscribeSignal drops the signal.<connID> subscription.
func (c *Client) UnsubscribeSignal(connID string) error {
	return c.unsubscribe(SubjectSignal + "." + connID)
}

// PublishRoom publishes data to the room.<roomID> subject.
func (c *Client) PublishRoom(roomID string, data []byte) error {
	return c.conn.Publish(SubjectRoom+"."+roomID, data)
}

// SubscribeRoom subscribes to the room.<roomID> subject. Each server instance
// holds at most one subscription per room; the relay refcounts local members.
func (c *Client) SubscribeRoom(roomID string, handler func(data []byte)) error {
	return c.subscribe(SubjectRoom+"."+roomID, handler)
}

// UnsubscribeRoom drops the room.<roomID> subscription.
func (c *Client) UnsubscribeRoom(roomID string) error {
	return c.unsubscribe(SubjectRoom + "." + roomID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *Client) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
