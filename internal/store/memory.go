package store

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-memory backend. It is the standalone store when no Redis
// is configured and the fallback target behind Failover. All state is lost on
// restart.
type Memory struct {
	mu         sync.Mutex
	candidates map[string]*Candidate // conn_id -> candidate
	order      map[string][]string   // room_id -> conn_ids in insertion order
	sessions   map[string]Session    // session key -> session
	byMember   map[string]string     // conn_id -> session key
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		candidates: make(map[string]*Candidate),
		order:      make(map[string][]string),
		sessions:   make(map[string]Session),
		byMember:   make(map[string]string),
	}
}

// UpsertWaiting implements WaitingStore. A zero JoinedAt is stamped with the
// current time; a non-zero one is preserved so a candidate restored after a
// lost match commit keeps its original age.
func (m *Memory) UpsertWaiting(_ context.Context, cand Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(cand.ConnID)

	if cand.JoinedAt.IsZero() {
		cand.JoinedAt = time.Now()
	}
	cand.Status = StatusWaiting

	m.candidates[cand.ConnID] = &cand
	m.order[cand.RoomID] = append(m.order[cand.RoomID], cand.ConnID)
	return nil
}

// DeleteWaiting implements WaitingStore.
func (m *Memory) DeleteWaiting(_ context.Context, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(connID), nil
}

func (m *Memory) removeLocked(connID string) bool {
	cand, ok := m.candidates[connID]
	if !ok {
		return false
	}
	delete(m.candidates, connID)

	ids := m.order[cand.RoomID]
	for i, id := range ids {
		if id == connID {
			m.order[cand.RoomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.order[cand.RoomID]) == 0 {
		delete(m.order, cand.RoomID)
	}
	return true
}

// ListWaitingByRoom implements WaitingStore. Candidates are returned by value
// so callers cannot mutate pool state.
func (m *Memory) ListWaitingByRoom(_ context.Context, roomID string) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.order[roomID]
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		if cand, ok := m.candidates[id]; ok && cand.Status == StatusWaiting {
			out = append(out, *cand)
		}
	}
	return out, nil
}

// CreateSession implements SessionStore.
func (m *Memory) CreateSession(_ context.Context, a, b Candidate) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := Session{
		Key:       SessionKey(a.ConnID, b.ConnID),
		AConnID:   a.ConnID,
		BConnID:   b.ConnID,
		RoomID:    a.RoomID,
		CreatedAt: time.Now(),
		Status:    SessionActive,
	}
	m.sessions[sess.Key] = sess
	m.byMember[a.ConnID] = sess.Key
	m.byMember[b.ConnID] = sess.Key
	return sess, nil
}

// CloseSession implements SessionStore.
func (m *Memory) CloseSession(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[key]
	if !ok {
		return false, nil
	}
	delete(m.sessions, key)
	delete(m.byMember, sess.AConnID)
	delete(m.byMember, sess.BConnID)
	return true, nil
}

// GetByParticipant implements SessionStore.
func (m *Memory) GetByParticipant(_ context.Context, connID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byMember[connID]
	if !ok {
		return nil, nil
	}
	sess, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}
