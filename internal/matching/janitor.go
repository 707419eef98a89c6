package matching

import (
	"log"
	"time"
)

// janitorLoop evicts waiting entries older than WaitTTL. It runs on its own
// interval, independent of the match sweep, but takes the same per-room mutex
// so evictions never interleave with a match commit.
func (s *Service) janitorLoop() {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] janitor stopped")
			return
		case <-ticker.C:
			for _, roomID := range s.roomIDs() {
				s.evictStale(roomID)
			}
		}
	}
}

// EvictStale removes every waiting candidate in the room whose join time is
// older than WaitTTL. Exported so tests can drive a tick directly.
func (s *Service) EvictStale(roomID string) int {
	return s.evictStale(roomID)
}

func (s *Service) evictStale(roomID string) int {
	r := s.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	cands, err := s.pool.ListWaitingByRoom(s.ctx, roomID)
	if err != nil {
		log.Printf("[matcher] janitor: list room=%s: %v", roomID, err)
		return 0
	}

	cutoff := time.Now().Add(-s.cfg.WaitTTL)
	evicted := 0
	for _, c := range cands {
		if c.JoinedAt.After(cutoff) {
			continue
		}
		removed, err := s.pool.DeleteWaiting(s.ctx, c.ConnID)
		if err != nil {
			log.Printf("[matcher] janitor: delete conn=%s: %v", c.ConnID, err)
			continue
		}
		if removed {
			evicted++
		}
	}

	if evicted > 0 {
		log.Printf("[matcher] janitor: evicted %d stale candidates from room=%s", evicted, roomID)
	}
	return evicted
}
