package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for pool and session data structures.
	keyRoomPrefix    = "pool:room:"      // + <room_id> -> sorted set, score = joined_at (ms)
	keyCandPrefix    = "pool:cand:"      // + <conn_id> -> hash
	keySessionPrefix = "session:pair:"   // + <session_key> -> hash
	keyMemberPrefix  = "session:member:" // + <conn_id> -> session key

	// poolKeyTTL is a safety net against leaked keys. The janitor is the
	// explicit evictor; this only catches entries orphaned by a crash.
	poolKeyTTL = 30 * time.Minute

	// sessionKeyTTL bounds how long an abandoned session can linger.
	sessionKeyTTL = 2 * time.Hour
)

// Redis is the persistent backend. Waiting candidates live in a per-room
// sorted set (score = join timestamp, which preserves insertion order) plus a
// hash per candidate; sessions are a hash per pair with a member index for
// participant lookups.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a Redis-backed store using the provided client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Ping verifies the connection, for use at process start before committing to
// this backend.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// UpsertWaiting implements WaitingStore.
func (r *Redis) UpsertWaiting(ctx context.Context, cand Candidate) error {
	// Remove any prior entry first; a reconnecting candidate may have changed
	// rooms, so the old room's sorted set must be cleaned too.
	if _, err := r.DeleteWaiting(ctx, cand.ConnID); err != nil {
		return err
	}

	if cand.JoinedAt.IsZero() {
		cand.JoinedAt = time.Now()
	}
	joinedMs := cand.JoinedAt.UnixMilli()

	pipe := r.rdb.Pipeline()
	pipe.ZAdd(ctx, keyRoomPrefix+cand.RoomID, redis.Z{
		Score:  float64(joinedMs),
		Member: cand.ConnID,
	})
	pipe.Expire(ctx, keyRoomPrefix+cand.RoomID, poolKeyTTL)

	candKey := keyCandPrefix + cand.ConnID
	pipe.HSet(ctx, candKey, map[string]interface{}{
		"conn_id":    cand.ConnID,
		"room_id":    cand.RoomID,
		"name":       cand.Profile.Name,
		"interest":   cand.Profile.TechInterest,
		"goals":      joinGoals(cand.Profile.PracticeGoals),
		"university": cand.Profile.University,
		"year":       cand.Profile.Year,
		"joined_at":  strconv.FormatInt(joinedMs, 10),
		"status":     StatusWaiting,
	})
	pipe.Expire(ctx, candKey, poolKeyTTL)

	_, err := pipe.Exec(ctx)
	return err
}

// DeleteWaiting implements WaitingStore.
func (r *Redis) DeleteWaiting(ctx context.Context, connID string) (bool, error) {
	roomID, err := r.rdb.HGet(ctx, keyCandPrefix+connID, "room_id").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	pipe := r.rdb.Pipeline()
	pipe.ZRem(ctx, keyRoomPrefix+roomID, connID)
	del := pipe.Del(ctx, keyCandPrefix+connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// ListWaitingByRoom implements WaitingStore. Candidates whose hash expired
// under the safety-net TTL are skipped and lazily pruned from the room set.
func (r *Redis) ListWaitingByRoom(ctx context.Context, roomID string) ([]Candidate, error) {
	ids, err := r.rdb.ZRange(ctx, keyRoomPrefix+roomID, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		cand, err := r.getCandidate(ctx, id)
		if err != nil {
			return nil, err
		}
		if cand == nil {
			r.rdb.ZRem(ctx, keyRoomPrefix+roomID, id)
			continue
		}
		if cand.Status == StatusWaiting {
			out = append(out, *cand)
		}
	}
	return out, nil
}

func (r *Redis) getCandidate(ctx context.Context, connID string) (*Candidate, error) {
	fields, err := r.rdb.HGetAll(ctx, keyCandPrefix+connID).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	joinedMs, _ := strconv.ParseInt(fields["joined_at"], 10, 64)
	return &Candidate{
		ConnID: fields["conn_id"],
		RoomID: fields["room_id"],
		Profile: Profile{
			Name:          fields["name"],
			TechInterest:  fields["interest"],
			PracticeGoals: splitGoals(fields["goals"]),
			University:    fields["university"],
			Year:          fields["year"],
		},
		JoinedAt: time.UnixMilli(joinedMs),
		Status:   fields["status"],
	}, nil
}

// CreateSession implements SessionStore.
func (r *Redis) CreateSession(ctx context.Context, a, b Candidate) (Session, error) {
	sess := Session{
		Key:       SessionKey(a.ConnID, b.ConnID),
		AConnID:   a.ConnID,
		BConnID:   b.ConnID,
		RoomID:    a.RoomID,
		CreatedAt: time.Now(),
		Status:    SessionActive,
	}

	sessKey := keySessionPrefix + sess.Key
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, sessKey, map[string]interface{}{
		"key":        sess.Key,
		"a":          sess.AConnID,
		"b":          sess.BConnID,
		"room_id":    sess.RoomID,
		"created_at": strconv.FormatInt(sess.CreatedAt.UnixMilli(), 10),
		"status":     sess.Status,
	})
	pipe.Expire(ctx, sessKey, sessionKeyTTL)
	pipe.Set(ctx, keyMemberPrefix+sess.AConnID, sess.Key, sessionKeyTTL)
	pipe.Set(ctx, keyMemberPrefix+sess.BConnID, sess.Key, sessionKeyTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, fmt.Errorf("store: create session %s: %w", sess.Key, err)
	}
	return sess, nil
}

// CloseSession implements SessionStore.
func (r *Redis) CloseSession(ctx context.Context, key string) (bool, error) {
	fields, err := r.rdb.HGetAll(ctx, keySessionPrefix+key).Result()
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}

	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, keySessionPrefix+key)
	pipe.Del(ctx, keyMemberPrefix+fields["a"])
	pipe.Del(ctx, keyMemberPrefix+fields["b"])
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetByParticipant implements SessionStore.
func (r *Redis) GetByParticipant(ctx context.Context, connID string) (*Session, error) {
	key, err := r.rdb.Get(ctx, keyMemberPrefix+connID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fields, err := r.rdb.HGetAll(ctx, keySessionPrefix+key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return &Session{
		Key:       fields["key"],
		AConnID:   fields["a"],
		BConnID:   fields["b"],
		RoomID:    fields["room_id"],
		CreatedAt: time.UnixMilli(createdMs),
		Status:    fields["status"],
	}, nil
}
