package store

import (
	"context"
	"errors"
	"testing"
)

// brokenStore fails every call after the trip counter reaches zero, to
// simulate a Redis backend dying mid-flight.
type brokenStore struct {
	*Memory
	callsUntilFailure int
}

var errStoreDown = errors.New("connection refused")

func (b *brokenStore) tick() error {
	if b.callsUntilFailure <= 0 {
		return errStoreDown
	}
	b.callsUntilFailure--
	return nil
}

func (b *brokenStore) UpsertWaiting(ctx context.Context, cand Candidate) error {
	if err := b.tick(); err != nil {
		return err
	}
	return b.Memory.UpsertWaiting(ctx, cand)
}

func (b *brokenStore) DeleteWaiting(ctx context.Context, connID string) (bool, error) {
	if err := b.tick(); err != nil {
		return false, err
	}
	return b.Memory.DeleteWaiting(ctx, connID)
}

func (b *brokenStore) ListWaitingByRoom(ctx context.Context, roomID string) ([]Candidate, error) {
	if err := b.tick(); err != nil {
		return nil, err
	}
	return b.Memory.ListWaitingByRoom(ctx, roomID)
}

func TestFailover_ServesPrimaryWhileHealthy(t *testing.T) {
	primary := &brokenStore{Memory: NewMemory(), callsUntilFailure: 100}
	f := NewFailover(primary, NewMemory())
	ctx := context.Background()

	if err := f.UpsertWaiting(ctx, testCandidate("a", "r1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if f.Degraded() {
		t.Fatal("store should not be degraded while primary is healthy")
	}

	cands, err := f.ListWaitingByRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate from primary, got %d", len(cands))
	}
}

func TestFailover_SwitchesOnceAndStaysSwitched(t *testing.T) {
	primary := &brokenStore{Memory: NewMemory(), callsUntilFailure: 0}
	f := NewFailover(primary, NewMemory())
	ctx := context.Background()

	// The failing call is retried on the fallback; the caller never sees an
	// error.
	if err := f.UpsertWaiting(ctx, testCandidate("a", "r1")); err != nil {
		t.Fatalf("upsert should not surface primary failure: %v", err)
	}
	if !f.Degraded() {
		t.Fatal("store should be degraded after primary failure")
	}

	// Subsequent operations go straight to the fallback even though the
	// primary would now succeed.
	primary.callsUntilFailure = 100
	if err := f.UpsertWaiting(ctx, testCandidate("b", "r1")); err != nil {
		t.Fatalf("upsert after degrade: %v", err)
	}
	if !f.Degraded() {
		t.Fatal("degrade must be sticky")
	}

	cands, err := f.ListWaitingByRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected both candidates served from fallback, got %d", len(cands))
	}

	// Nothing ever reached the primary's state.
	primaryCands, _ := primary.Memory.ListWaitingByRoom(ctx, "r1")
	if len(primaryCands) != 0 {
		t.Errorf("primary should hold no state, got %d candidates", len(primaryCands))
	}
}

func TestFailover_SessionsFollowTheSwitch(t *testing.T) {
	primary := &brokenStore{Memory: NewMemory(), callsUntilFailure: 0}
	f := NewFailover(primary, NewMemory())
	ctx := context.Background()

	f.UpsertWaiting(ctx, testCandidate("a", "r1"))
	f.UpsertWaiting(ctx, testCandidate("b", "r1"))

	sess, err := f.CreateSession(ctx, testCandidate("a", "r1"), testCandidate("b", "r1"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := f.GetByParticipant(ctx, "a")
	if err != nil {
		t.Fatalf("get by participant: %v", err)
	}
	if got == nil || got.Key != sess.Key {
		t.Fatalf("expected session %q from fallback, got %+v", sess.Key, got)
	}

	closed, err := f.CloseSession(ctx, sess.Key)
	if err != nil || !closed {
		t.Fatalf("close = (%v, %v), want (true, nil)", closed, err)
	}
}
