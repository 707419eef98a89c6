// Package matching implements the pairing core: a per-room waiting pool
// consumed by a compatibility-scored matcher that is driven by two concurrent
// triggers (a debounced attempt on every arrival, and a periodic sweep that
// recovers matches the arrival path missed), plus the janitor that evicts
// stale waiting entries.
package matching

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/peerprep/practice-server/internal/metrics"
	"github.com/peerprep/practice-server/internal/store"
)

// Registry answers whether a connection is currently live and able to receive
// messages. Its presence/absence is the sole source of truth for
// reachability; the matcher discards waiting candidates whose connection has
// gone away.
type Registry interface {
	IsLive(connID string) bool
}

// Notifier delivers match lifecycle events to endpoints. Delivery to a
// connection that has since vanished is the notifier's problem to drop
// silently.
type Notifier interface {
	// UserMatched tells connID it has been paired, with the partner's profile.
	UserMatched(connID string, peer store.PeerProfile)

	// UserLeft tells connID that its matched partner departed.
	UserLeft(connID, departedID string)
}

// Archiver records session lifecycle for offline analysis. Optional; errors
// are logged, never propagated into the match path.
type Archiver interface {
	RecordCreated(ctx context.Context, sess store.Session) error
	RecordClosed(ctx context.Context, key string) error
}

// Config holds the matcher's tunables.
type Config struct {
	MatchInterval   time.Duration // periodic sweep cadence
	MatchDebounce   time.Duration // delay between an arrival and its match attempt
	JanitorInterval time.Duration // stale-entry sweep cadence
	WaitTTL         time.Duration // maximum age of a waiting entry
}

// DefaultConfig returns production defaults. WaitTTL applies to both storage
// backends; there is exactly one value, overridable via config.
func DefaultConfig() Config {
	return Config{
		MatchInterval:   2 * time.Second,
		MatchDebounce:   250 * time.Millisecond,
		JanitorInterval: 30 * time.Second,
		WaitTTL:         5 * time.Minute,
	}
}

// Service runs the pairing algorithm. All pool mutations for one room
// (arrival inserts, match commits, departures, janitor evictions) are
// serialized through that room's mutex, which covers the whole
// read-filter-score-select-commit sequence. Different rooms proceed fully in
// parallel.
type Service struct {
	cfg      Config
	pool     store.WaitingStore
	sessions store.SessionStore
	registry Registry
	notify   Notifier
	archive  Archiver // may be nil
	scorer   *Scorer

	mu    sync.Mutex
	rooms map[string]*room

	ctx    context.Context
	cancel context.CancelFunc
}

// room carries the per-room serialization point. Room entries are never
// removed from the map: a second struct for the same room ID would mean a
// second mutex, and with it exactly the interleaving this lock exists to
// prevent.
type room struct {
	mu sync.Mutex
}

// NewService wires the matcher. archive may be nil.
func NewService(cfg Config, pool store.WaitingStore, sessions store.SessionStore,
	registry Registry, notify Notifier, archive Archiver, scorer *Scorer) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		pool:     pool,
		sessions: sessions,
		registry: registry,
		notify:   notify,
		archive:  archive,
		scorer:   scorer,
		rooms:    make(map[string]*room),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the periodic sweep and the janitor.
func (s *Service) Start() {
	go s.sweepLoop()
	go s.janitorLoop()
	log.Printf("[matcher] service started (sweep=%s debounce=%s janitor=%s wait_ttl=%s)",
		s.cfg.MatchInterval, s.cfg.MatchDebounce, s.cfg.JanitorInterval, s.cfg.WaitTTL)
}

// Stop shuts down the background loops.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[matcher] service stopped")
}

func (s *Service) room(roomID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{}
		s.rooms[roomID] = r
	}
	return r
}

func (s *Service) roomIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Enqueue inserts the candidate into its room's waiting pool, replacing any
// prior entry for the same connection ID, and schedules the arrival-triggered
// match attempt after the debounce delay.
func (s *Service) Enqueue(ctx context.Context, cand store.Candidate) error {
	r := s.room(cand.RoomID)
	r.mu.Lock()
	err := s.pool.UpsertWaiting(ctx, cand)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	log.Printf("[matcher] enqueued conn=%s room=%s interest=%q", cand.ConnID, cand.RoomID, cand.Profile.TechInterest)

	if s.cfg.MatchDebounce > 0 {
		roomID := cand.RoomID
		time.AfterFunc(s.cfg.MatchDebounce, func() {
			select {
			case <-s.ctx.Done():
			default:
				s.MatchRoom(roomID)
			}
		})
	} else {
		s.MatchRoom(cand.RoomID)
	}
	return nil
}

// Depart handles a leave or disconnect: the connection's waiting entry is
// removed, and if it was in an active session the session is closed and the
// remaining partner is told exactly once. roomID may be empty when the
// departing connection never joined a room.
func (s *Service) Depart(ctx context.Context, connID, roomID string) {
	if roomID != "" {
		r := s.room(roomID)
		r.mu.Lock()
		if _, err := s.pool.DeleteWaiting(ctx, connID); err != nil {
			log.Printf("[matcher] depart: delete waiting conn=%s: %v", connID, err)
		}
		r.mu.Unlock()
	} else if _, err := s.pool.DeleteWaiting(ctx, connID); err != nil {
		log.Printf("[matcher] depart: delete waiting conn=%s: %v", connID, err)
	}

	sess, err := s.sessions.GetByParticipant(ctx, connID)
	if err != nil {
		log.Printf("[matcher] depart: session lookup conn=%s: %v", connID, err)
		return
	}
	if sess == nil {
		return
	}

	closed, err := s.sessions.CloseSession(ctx, sess.Key)
	if err != nil {
		log.Printf("[matcher] depart: close session %s: %v", sess.Key, err)
		return
	}
	if !closed {
		// The partner's departure already closed it; that notification path
		// owns the user-left event.
		return
	}

	metrics.ActiveSessions.Dec()
	if peer := sess.Peer(connID); peer != "" {
		s.notify.UserLeft(peer, connID)
	}
	if s.archive != nil {
		if err := s.archive.RecordClosed(ctx, sess.Key); err != nil {
			log.Printf("[matcher] archive close %s: %v", sess.Key, err)
		}
	}
	log.Printf("[matcher] session closed key=%s departed=%s", sess.Key, connID)
}

// MatchRoom runs the pairing algorithm over one room until no qualifying pair
// remains. Both triggers call it; the room mutex serializes them.
func (s *Service) MatchRoom(roomID string) {
	r := s.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := s.ctx
	for {
		cands, err := s.pool.ListWaitingByRoom(ctx, roomID)
		if err != nil {
			log.Printf("[matcher] list waiting room=%s: %v", roomID, err)
			return
		}

		// Drop candidates whose connection has gone away. Removal here is a
		// garbage-collection side effect; the janitor only handles age.
		live := cands[:0]
		for _, c := range cands {
			if s.registry.IsLive(c.ConnID) {
				live = append(live, c)
				continue
			}
			if _, err := s.pool.DeleteWaiting(ctx, c.ConnID); err != nil {
				log.Printf("[matcher] gc dead conn=%s: %v", c.ConnID, err)
			}
		}

		metrics.WaitingCandidates.WithLabelValues(roomID).Set(float64(len(live)))
		if len(live) < 2 {
			return
		}

		a, b, score, ok := s.selectPair(live)
		if !ok {
			return
		}

		if !s.commit(ctx, a, b, score) {
			// Lost the commit race; rerun selection over the remaining pool.
			continue
		}
	}
}

// selectPair scores every unordered pair and returns the strict maximum above
// the threshold. Iteration is in insertion order with i < j, so among
// equal-maximum scores the first pair encountered wins: the tie-break is
// deterministic even though exact ties are rare with jitter in play.
func (s *Service) selectPair(cands []store.Candidate) (a, b store.Candidate, score int, ok bool) {
	best := -1
	var bi, bj int
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			if sc := s.scorer.Score(cands[i].Profile, cands[j].Profile); sc > best {
				best, bi, bj = sc, i, j
			}
		}
	}
	if best <= Threshold {
		return store.Candidate{}, store.Candidate{}, 0, false
	}
	return cands[bi], cands[bj], best, true
}

// commit transitions both candidates out of the pool as one indivisible step
// (the caller holds the room mutex), creates the session and notifies both
// endpoints. It returns false when either candidate was already gone (raced
// away by a departure), in which case any half-done removal is undone and the
// caller reselects.
func (s *Service) commit(ctx context.Context, a, b store.Candidate, score int) bool {
	removedA, err := s.pool.DeleteWaiting(ctx, a.ConnID)
	if err != nil {
		log.Printf("[matcher] commit: delete conn=%s: %v", a.ConnID, err)
		return false
	}
	if !removedA {
		return false
	}

	removedB, err := s.pool.DeleteWaiting(ctx, b.ConnID)
	if err != nil || !removedB {
		if err != nil {
			log.Printf("[matcher] commit: delete conn=%s: %v", b.ConnID, err)
		}
		// Restore a with its original join time so it keeps its place.
		if uerr := s.pool.UpsertWaiting(ctx, a); uerr != nil {
			log.Printf("[matcher] commit: restore conn=%s: %v", a.ConnID, uerr)
		}
		return false
	}

	sess, err := s.sessions.CreateSession(ctx, a, b)
	if err != nil {
		log.Printf("[matcher] commit: create session for %s/%s: %v", a.ConnID, b.ConnID, err)
		// Put both back; the next trigger retries.
		if uerr := s.pool.UpsertWaiting(ctx, a); uerr != nil {
			log.Printf("[matcher] commit: restore conn=%s: %v", a.ConnID, uerr)
		}
		if uerr := s.pool.UpsertWaiting(ctx, b); uerr != nil {
			log.Printf("[matcher] commit: restore conn=%s: %v", b.ConnID, uerr)
		}
		return false
	}

	metrics.MatchesTotal.Inc()
	metrics.MatchScore.Observe(float64(score))
	metrics.ActiveSessions.Inc()
	now := time.Now()
	metrics.MatchWaitSeconds.Observe(now.Sub(a.JoinedAt).Seconds())
	metrics.MatchWaitSeconds.Observe(now.Sub(b.JoinedAt).Seconds())

	s.notify.UserMatched(a.ConnID, store.PeerProfile{ID: b.ConnID, Profile: b.Profile})
	s.notify.UserMatched(b.ConnID, store.PeerProfile{ID: a.ConnID, Profile: a.Profile})

	if s.archive != nil {
		if err := s.archive.RecordCreated(ctx, sess); err != nil {
			log.Printf("[matcher] archive create %s: %v", sess.Key, err)
		}
	}

	log.Printf("[matcher] matched a=%s b=%s room=%s score=%d key=%s",
		a.ConnID, b.ConnID, a.RoomID, score, sess.Key)
	return true
}

// sweepLoop is the periodic trigger. It exists to recover matches missed by
// the arrival path: both halves of a future pair may have joined between
// attempts, or an attempt may have lost its commit race.
func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.cfg.MatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] sweep loop stopped")
			return
		case <-ticker.C:
			for _, roomID := range s.roomIDs() {
				s.MatchRoom(roomID)
			}
		}
	}
}
