package store

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// Failover serves every request from the primary (Redis) backend until the
// first error, then flips permanently to the in-memory fallback and retries
// the failed call there. The switch is sticky: once degraded, the process
// stays on memory until restart. Callers never see the primary's error; the
// trade is availability for durability, and a restart while degraded loses
// all waiting and session state.
type Failover struct {
	primary  Store
	fallback Store
	degraded atomic.Bool
	once     sync.Once
}

// NewFailover wraps primary with fallback. fallback is expected to be a
// Memory store; it must start empty.
func NewFailover(primary, fallback Store) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

// Degraded reports whether the store has switched to the fallback.
func (f *Failover) Degraded() bool {
	return f.degraded.Load()
}

// degrade flips to the fallback, logging the cause exactly once.
func (f *Failover) degrade(op string, err error) {
	f.once.Do(func() {
		log.Printf("[store] %s failed (%v); falling back to in-memory storage, waiting/session state is no longer durable", op, err)
	})
	f.degraded.Store(true)
}

func (f *Failover) UpsertWaiting(ctx context.Context, cand Candidate) error {
	if !f.degraded.Load() {
		if err := f.primary.UpsertWaiting(ctx, cand); err == nil {
			return nil
		} else {
			f.degrade("upsert waiting", err)
		}
	}
	return f.fallback.UpsertWaiting(ctx, cand)
}

func (f *Failover) DeleteWaiting(ctx context.Context, connID string) (bool, error) {
	if !f.degraded.Load() {
		removed, err := f.primary.DeleteWaiting(ctx, connID)
		if err == nil {
			return removed, nil
		}
		f.degrade("delete waiting", err)
	}
	return f.fallback.DeleteWaiting(ctx, connID)
}

func (f *Failover) ListWaitingByRoom(ctx context.Context, roomID string) ([]Candidate, error) {
	if !f.degraded.Load() {
		cands, err := f.primary.ListWaitingByRoom(ctx, roomID)
		if err == nil {
			return cands, nil
		}
		f.degrade("list waiting", err)
	}
	return f.fallback.ListWaitingByRoom(ctx, roomID)
}

func (f *Failover) CreateSession(ctx context.Context, a, b Candidate) (Session, error) {
	if !f.degraded.Load() {
		sess, err := f.primary.CreateSession(ctx, a, b)
		if err == nil {
			return sess, nil
		}
		f.degrade("create session", err)
	}
	return f.fallback.CreateSession(ctx, a, b)
}

func (f *Failover) CloseSession(ctx context.Context, key string) (bool, error) {
	if !f.degraded.Load() {
		closed, err := f.primary.CloseSession(ctx, key)
		if err == nil {
			return closed, nil
		}
		f.degrade("close session", err)
	}
	return f.fallback.CloseSession(ctx, key)
}

func (f *Failover) GetByParticipant(ctx context.Context, connID string) (*Session, error) {
	if !f.degraded.Load() {
		sess, err := f.primary.GetByParticipant(ctx, connID)
		if err == nil {
			return sess, nil
		}
		f.degrade("get session by participant", err)
	}
	return f.fallback.GetByParticipant(ctx, connID)
}
