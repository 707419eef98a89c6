// Package store defines the waiting-pool and matched-session data model and
// the storage contracts behind the matcher. Two interchangeable backends
// implement the contracts: a Redis-backed store for durability across
// restarts, and an in-memory store used both standalone and as the fallback
// target when Redis becomes unreachable.
package store

import (
	"context"
	"strings"
	"time"
)

// Candidate status values.
const (
	StatusWaiting = "waiting"
	StatusMatched = "matched"
)

// Session status values.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// Profile is the practice profile a participant submits when joining a room.
// It is copied into the candidate record at join time; there is no live
// reference back to any mutable source.
type Profile struct {
	Name          string   `json:"name"`
	TechInterest  string   `json:"tech_interest"`
	PracticeGoals []string `json:"practice_goals"`
	University    string   `json:"university"`
	Year          string   `json:"year"`
}

// PeerProfile is the profile of a matched partner as delivered to the other
// side of the pair, tagged with the partner's connection ID so the client can
// address signaling messages to it.
type PeerProfile struct {
	ID string `json:"id"`
	Profile
}

// Candidate is one entry in a room's waiting pool.
type Candidate struct {
	ConnID   string
	RoomID   string
	Profile  Profile
	JoinedAt time.Time
	Status   string
}

// Session is an active matched pair. Key is canonical and order-independent;
// matching A with B and B with A always yields the same session.
type Session struct {
	Key       string
	AConnID   string
	BConnID   string
	RoomID    string
	CreatedAt time.Time
	Status    string
}

// Peer returns the other participant's connection ID, or "" when connID is
// not part of the session.
func (s *Session) Peer(connID string) string {
	switch connID {
	case s.AConnID:
		return s.BConnID
	case s.BConnID:
		return s.AConnID
	}
	return ""
}

// SessionKey derives the canonical key for a pair of connection IDs. The IDs
// are ordered lexicographically before joining, so the key is independent of
// argument order.
func SessionKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// WaitingStore is the waiting-pool contract. At most one candidate per
// connection ID exists at any instant; UpsertWaiting replaces any prior entry
// for the same connection ID (reconnection dedup).
type WaitingStore interface {
	// UpsertWaiting inserts the candidate with status waiting, removing any
	// existing entry for the same connection ID first.
	UpsertWaiting(ctx context.Context, cand Candidate) error

	// DeleteWaiting removes the candidate and reports whether an entry was
	// actually removed.
	DeleteWaiting(ctx context.Context, connID string) (bool, error)

	// ListWaitingByRoom returns all waiting candidates in a room in insertion
	// order.
	ListWaitingByRoom(ctx context.Context, roomID string) ([]Candidate, error)
}

// SessionStore is the matched-session contract. Sessions are created only as
// the result of a successful match and closed when either participant leaves.
type SessionStore interface {
	// CreateSession records the pair as an active session under the canonical
	// key and returns it.
	CreateSession(ctx context.Context, a, b Candidate) (Session, error)

	// CloseSession marks the session closed and removes it. Closing an
	// already-closed or unknown session is a no-op; the bool reports whether
	// an active session was actually closed.
	CloseSession(ctx context.Context, key string) (bool, error)

	// GetByParticipant returns the active session the connection is part of,
	// or nil when it is not in one.
	GetByParticipant(ctx context.Context, connID string) (*Session, error)
}

// Store combines both contracts; every backend implements the full pair.
type Store interface {
	WaitingStore
	SessionStore
}

// joinGoals flattens a goal list for storage in a Redis hash field.
func joinGoals(goals []string) string {
	return strings.Join(goals, ",")
}

// splitGoals is the inverse of joinGoals; an empty field yields a nil slice.
func splitGoals(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
