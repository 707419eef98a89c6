// Package session tracks per-connection presence state in Redis: which
// server instance a connection lives on, which room it joined, and whether it
// is idle, waiting for a partner, or matched. The presence record is
// best-effort operational state; the matcher's own stores are authoritative.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for all presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL is the time-to-live for presence keys in Redis.
	PresenceTTL = 1 * time.Hour

	// Status constants for the presence state machine.
	StatusIdle    = "idle"
	StatusWaiting = "waiting"
	StatusMatched = "matched"
)

// Presence represents a connection's state stored in Redis.
type Presence struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`  // idle | waiting | matched
	Room       string `redis:"room"`    // empty until join_room
	PeerID     string `redis:"peer_id"` // empty until matched
	Server     string `redis:"server"`  // which server instance
	Name       string `redis:"name"`    // display name from the profile
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a presence store on an existing Redis client. The caller
// owns the client's lifecycle.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Ping verifies the Redis connection is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("session: redis ping failed: %w", err)
	}
	return nil
}

// Create stores a new presence record with idle status and the default TTL.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := PresencePrefix + connID
	now := time.Now().Unix()

	presence := map[string]interface{}{
		"id":          connID,
		"status":      StatusIdle,
		"room":        "",
		"peer_id":     "",
		"server":      s.serverName,
		"name":        "",
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, presence)
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Presence, error) {
	key := PresencePrefix + connID
	var presence Presence
	err := s.client.HGetAll(ctx, key).Scan(&presence)
	if err != nil {
		return nil, err
	}
	if presence.ID == "" {
		return nil, nil // not found
	}
	return &presence, nil
}

// SetWaiting records that the connection entered a room's waiting pool.
func (s *Store) SetWaiting(ctx context.Context, connID, roomID, name string) error {
	key := PresencePrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"status", StatusWaiting,
		"room", roomID,
		"peer_id", "",
		"name", name,
		"last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetMatched records the partner's connection ID and marks the presence as
// matched.
func (s *Store) SetMatched(ctx context.Context, connID, peerID string) error {
	key := PresencePrefix + connID
	return s.client.HSet(ctx, key,
		"status", StatusMatched,
		"peer_id", peerID,
		"last_active", time.Now().Unix()).Err()
}

// ClearMatch resets the presence to idle with no room or partner.
func (s *Store) ClearMatch(ctx context.Context, connID string) error {
	key := PresencePrefix + connID
	return s.client.HSet(ctx, key,
		"status", StatusIdle,
		"room", "",
		"peer_id", "",
		"last_active", time.Now().Unix()).Err()
}

// RefreshTTL extends the presence record's TTL.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	key := PresencePrefix + connID
	return s.client.Expire(ctx, key, PresenceTTL).Err()
}

// Delete removes a presence record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := PresencePrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
