package matching

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peerprep/practice-server/internal/store"
)

// fakeRegistry is an in-memory liveness map standing in for the connection
// manager.
type fakeRegistry struct {
	mu   sync.Mutex
	live map[string]bool
}

func newFakeRegistry(ids ...string) *fakeRegistry {
	r := &fakeRegistry{live: make(map[string]bool)}
	for _, id := range ids {
		r.live[id] = true
	}
	return r
}

func (r *fakeRegistry) add(id string) {
	r.mu.Lock()
	r.live[id] = true
	r.mu.Unlock()
}

func (r *fakeRegistry) kill(id string) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

func (r *fakeRegistry) IsLive(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[connID]
}

// recordingNotifier captures every event the service emits.
type recordingNotifier struct {
	mu      sync.Mutex
	matched map[string][]store.PeerProfile // connID -> peers it was matched with
	left    map[string][]string            // connID -> departed partners it was told about
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		matched: make(map[string][]store.PeerProfile),
		left:    make(map[string][]string),
	}
}

func (n *recordingNotifier) UserMatched(connID string, peer store.PeerProfile) {
	n.mu.Lock()
	n.matched[connID] = append(n.matched[connID], peer)
	n.mu.Unlock()
}

func (n *recordingNotifier) UserLeft(connID, departedID string) {
	n.mu.Lock()
	n.left[connID] = append(n.left[connID], departedID)
	n.mu.Unlock()
}

func (n *recordingNotifier) matchedPeers(connID string) []store.PeerProfile {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]store.PeerProfile(nil), n.matched[connID]...)
}

func (n *recordingNotifier) leftEvents(connID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.left[connID]...)
}

func newTestService(t *testing.T, cfg Config, scorer *Scorer, reg *fakeRegistry) (*Service, *store.Memory, *recordingNotifier) {
	t.Helper()
	mem := store.NewMemory()
	notif := newRecordingNotifier()
	svc := NewService(cfg, mem, mem, reg, notif, nil, scorer)
	t.Cleanup(svc.Stop)
	return svc, mem, notif
}

func syncConfig() Config {
	cfg := DefaultConfig()
	cfg.MatchDebounce = 0 // arrival trigger runs inline for deterministic tests
	return cfg
}

func cand(connID, roomID, interest string, goals []string) store.Candidate {
	return store.Candidate{
		ConnID: connID,
		RoomID: roomID,
		Profile: store.Profile{
			Name:          "user-" + connID,
			TechInterest:  interest,
			PracticeGoals: goals,
		},
	}
}

func TestMatchRoom_PairsBestScoringPair(t *testing.T) {
	reg := newFakeRegistry("a", "b", "c")
	svc, mem, notif := newTestService(t, syncConfig(), NewDeterministicScorer(), reg)
	ctx := context.Background()

	// a/c share an interest and a goal; a/b and b/c share nothing scoreable
	// above the threshold.
	if err := svc.Enqueue(ctx, cand("a", "r1", "backend", []string{"clarity"})); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := svc.Enqueue(ctx, cand("b", "r1", "frontend", []string{"depth"})); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := svc.Enqueue(ctx, cand("c", "r1", "backend", []string{"clarity"})); err != nil {
		t.Fatalf("enqueue c: %v", err)
	}

	peersA := notif.matchedPeers("a")
	peersC := notif.matchedPeers("c")
	if len(peersA) != 1 || len(peersC) != 1 {
		t.Fatalf("expected a and c matched once, got a=%d c=%d", len(peersA), len(peersC))
	}
	if peersA[0].ID != "c" || peersC[0].ID != "a" {
		t.Errorf("expected a<->c pairing, got a->%s c->%s", peersA[0].ID, peersC[0].ID)
	}
	if peersA[0].Name != "user-c" || peersA[0].TechInterest != "backend" {
		t.Errorf("peer profile not delivered: %+v", peersA[0])
	}
	if got := notif.matchedPeers("b"); len(got) != 0 {
		t.Errorf("b should remain unmatched, got %v", got)
	}

	// Matched pair is out of the pool; the leftover stays waiting.
	waiting, _ := mem.ListWaitingByRoom(ctx, "r1")
	if len(waiting) != 1 || waiting[0].ConnID != "b" {
		t.Errorf("expected only b waiting, got %+v", waiting)
	}

	sess, _ := mem.GetByParticipant(ctx, "a")
	if sess == nil || sess.Key != store.SessionKey("a", "c") {
		t.Errorf("expected session for a/c, got %+v", sess)
	}
}

func TestMatchRoom_ScoreAtThresholdDoesNotMatch(t *testing.T) {
	reg := newFakeRegistry("a", "b")
	svc, mem, notif := newTestService(t, syncConfig(), NewDeterministicScorer(), reg)
	ctx := context.Background()

	// Goal overlap 2 of max(3, 2) -> 30 * 2/3 = 20 exactly; the threshold is
	// strict, so no match may occur.
	svc.Enqueue(ctx, cand("a", "r1", "backend", []string{"clarity", "confidence", "depth"}))
	svc.Enqueue(ctx, cand("b", "r1", "frontend", []string{"clarity", "confidence"}))

	svc.MatchRoom("r1")

	if len(notif.matchedPeers("a")) != 0 || len(notif.matchedPeers("b")) != 0 {
		t.Error("score of exactly 20 must not produce a match")
	}
	waiting, _ := mem.ListWaitingByRoom(ctx, "r1")
	if len(waiting) != 2 {
		t.Errorf("both candidates should still be waiting, got %d", len(waiting))
	}
}

func TestMatchRoom_SingleCandidateNeverMatches(t *testing.T) {
	reg := newFakeRegistry("c")
	svc, mem, notif := newTestService(t, syncConfig(), NewScorer(), reg)
	ctx := context.Background()

	svc.Enqueue(ctx, cand("c", "r1", "data-science", []string{"confidence"}))

	// Several sweep ticks; c stays alone and unmatched.
	for i := 0; i < 5; i++ {
		svc.MatchRoom("r1")
	}

	if got := notif.matchedPeers("c"); len(got) != 0 {
		t.Fatalf("lone candidate must never match, got %v", got)
	}
	waiting, _ := mem.ListWaitingByRoom(ctx, "r1")
	if len(waiting) != 1 {
		t.Fatalf("expected c still waiting, got %d entries", len(waiting))
	}

	// A compatible second arrival completes the pair.
	reg.add("d")
	svc.Enqueue(ctx, cand("d", "r1", "data-science", []string{"confidence"}))
	if len(notif.matchedPeers("c")) != 1 || len(notif.matchedPeers("d")) != 1 {
		t.Error("expected match once a second candidate joined")
	}
}

func TestMatchRoom_DiscardsDeadConnections(t *testing.T) {
	reg := newFakeRegistry("a", "b")
	svc, mem, notif := newTestService(t, syncConfig(), NewDeterministicScorer(), reg)
	ctx := context.Background()

	svc.Enqueue(ctx, cand("a", "r1", "backend", []string{"clarity"}))
	reg.kill("b")
	// Insert b directly so the arrival trigger doesn't fire for it.
	mem.UpsertWaiting(ctx, cand("b", "r1", "backend", []string{"clarity"}))

	svc.MatchRoom("r1")

	if len(notif.matchedPeers("a")) != 0 {
		t.Error("must not match against a dead connection")
	}
	// The dead entry was garbage-collected from the pool.
	waiting, _ := mem.ListWaitingByRoom(ctx, "r1")
	if len(waiting) != 1 || waiting[0].ConnID != "a" {
		t.Errorf("expected dead candidate removed, got %+v", waiting)
	}
}

func TestMatchRoom_TieBreakIsFirstPairInInsertionOrder(t *testing.T) {
	reg := newFakeRegistry("a", "b", "c", "d")
	svc, mem, notif := newTestService(t, syncConfig(), NewDeterministicScorer(), reg)
	ctx := context.Background()

	// Four identical candidates: every pair scores the same. Insert directly
	// to control order, then run one selection cycle.
	for _, id := range []string{"a", "b", "c", "d"} {
		mem.UpsertWaiting(ctx, cand(id, "r1", "backend", []string{"clarity"}))
	}

	svc.MatchRoom("r1")

	// First pair in stable iteration order is (a, b), then (c, d) on the
	// loop's next pass.
	if got := notif.matchedPeers("a"); len(got) != 1 || got[0].ID != "b" {
		t.Errorf("expected a matched with b, got %v", got)
	}
	if got := notif.matchedPeers("c"); len(got) != 1 || got[0].ID != "d" {
		t.Errorf("expected c matched with d, got %v", got)
	}
	waiting, _ := mem.ListWaitingByRoom(ctx, "r1")
	if len(waiting) != 0 {
		t.Errorf("pool should be drained, got %d waiting", len(waiting))
	}
}

func TestMatchRoom_NoDoubleMatchUnderConcurrentTriggers(t *testing.T) {
	const n = 16
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("conn-%02d", i)
	}
	reg := newFakeRegistry(ids...)
	svc, mem, notif := newTestService(t, syncConfig(), NewScorer(), reg)
	ctx := context.Background()

	// Concurrent arrivals (each triggers a match attempt inline) racing
	// against a storm of sweep-style triggers.
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			svc.Enqueue(ctx, cand(id, "r1", "data-science", []string{"confidence", "clarity"}))
		}(id)
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.MatchRoom("r1")
		}()
	}
	wg.Wait()
	svc.MatchRoom("r1")

	// Every connection matched exactly once, with a consistent partner.
	for _, id := range ids {
		peers := notif.matchedPeers(id)
		if len(peers) != 1 {
			t.Fatalf("%s matched %d times, want exactly 1", id, len(peers))
		}
		partner := peers[0].ID
		back := notif.matchedPeers(partner)
		if len(back) != 1 || back[0].ID != id {
			t.Fatalf("asymmetric pairing: %s -> %s but %s -> %v", id, partner, partner, back)
		}
	}

	// No matched connection lingers in the pool.
	waiting, _ := mem.ListWaitingByRoom(ctx, "r1")
	if len(waiting) != 0 {
		t.Errorf("pool should be empty after full pairing, got %d", len(waiting))
	}
}

func TestDepart_PeerNotifiedExactlyOnce(t *testing.T) {
	reg := newFakeRegistry("a", "b")
	svc, mem, notif := newTestService(t, syncConfig(), NewDeterministicScorer(), reg)
	ctx := context.Background()

	svc.Enqueue(ctx, cand("a", "r1", "backend", []string{"clarity"}))
	svc.Enqueue(ctx, cand("b", "r1", "backend", []string{"clarity"}))
	if len(notif.matchedPeers("a")) != 1 {
		t.Fatal("expected the pair to match first")
	}

	reg.kill("a")
	svc.Depart(ctx, "a", "r1")

	if got := notif.leftEvents("b"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected exactly one user-left for b about a, got %v", got)
	}
	if sess, _ := mem.GetByParticipant(ctx, "b"); sess != nil {
		t.Errorf("session should be closed, got %+v", sess)
	}

	// The peer departing afterwards finds the session already closed; no
	// second notification fires in either direction.
	svc.Depart(ctx, "b", "r1")
	if got := notif.leftEvents("a"); len(got) != 0 {
		t.Errorf("departed participant must not be notified, got %v", got)
	}
	if got := notif.leftEvents("b"); len(got) != 1 {
		t.Errorf("duplicate user-left for b: %v", got)
	}
}

func TestDepart_RemovesWaitingEntry(t *testing.T) {
	reg := newFakeRegistry("a")
	svc, mem, notif := newTestService(t, syncConfig(), NewDeterministicScorer(), reg)
	ctx := context.Background()

	svc.Enqueue(ctx, cand("a", "r1", "backend", nil))
	svc.Depart(ctx, "a", "r1")

	waiting, _ := mem.ListWaitingByRoom(ctx, "r1")
	if len(waiting) != 0 {
		t.Errorf("expected empty pool, got %d", len(waiting))
	}
	if len(notif.left) != 0 {
		t.Errorf("no user-left should fire for an unmatched departure, got %v", notif.left)
	}
}

func TestEvictStale_RemovesOnlyExpiredEntries(t *testing.T) {
	reg := newFakeRegistry("old", "fresh")
	cfg := syncConfig()
	cfg.WaitTTL = time.Minute
	svc, mem, _ := newTestService(t, cfg, NewDeterministicScorer(), reg)
	ctx := context.Background()

	stale := cand("old", "r1", "backend", nil)
	stale.JoinedAt = time.Now().Add(-2 * time.Minute)
	mem.UpsertWaiting(ctx, stale)
	svc.Enqueue(ctx, cand("fresh", "r1", "frontend", nil))

	if evicted := svc.EvictStale("r1"); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}

	waiting, _ := mem.ListWaitingByRoom(ctx, "r1")
	if len(waiting) != 1 || waiting[0].ConnID != "fresh" {
		t.Errorf("expected only fresh waiting, got %+v", waiting)
	}
}

func TestIdenticalProfilesMatchRegardlessOfJitter(t *testing.T) {
	// Concrete scenario: identical data-science profiles score 100
	// deterministically, so the volatile component can never push them under
	// the threshold.
	reg := newFakeRegistry("a", "b")
	svc, _, notif := newTestService(t, syncConfig(), NewScorer(), reg)
	ctx := context.Background()

	p := store.Profile{
		Name:          "alex",
		TechInterest:  "data-science",
		PracticeGoals: []string{"confidence", "clarity"},
		University:    "X",
		Year:          "2026",
	}
	svc.Enqueue(ctx, store.Candidate{ConnID: "a", RoomID: "r1", Profile: p})
	svc.Enqueue(ctx, store.Candidate{ConnID: "b", RoomID: "r1", Profile: p})

	peersA := notif.matchedPeers("a")
	peersB := notif.matchedPeers("b")
	if len(peersA) != 1 || len(peersB) != 1 {
		t.Fatalf("identical profiles must match, got a=%d b=%d", len(peersA), len(peersB))
	}
	if peersA[0].TechInterest != "data-science" || peersA[0].University != "X" || peersA[0].Year != "2026" {
		t.Errorf("peer profile fields not propagated: %+v", peersA[0])
	}
}

func TestEnqueue_DebouncedArrivalTrigger(t *testing.T) {
	reg := newFakeRegistry("a", "b")
	cfg := DefaultConfig()
	cfg.MatchDebounce = 5 * time.Millisecond
	svc, _, notif := newTestService(t, cfg, NewDeterministicScorer(), reg)
	ctx := context.Background()

	svc.Enqueue(ctx, cand("a", "r1", "backend", []string{"clarity"}))
	svc.Enqueue(ctx, cand("b", "r1", "backend", []string{"clarity"}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(notif.matchedPeers("a")) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("debounced arrival trigger never produced a match")
}
