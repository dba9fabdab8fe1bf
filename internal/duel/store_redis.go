package duel

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kapu/codearena/internal/match"
)

const ttlSession = 24 * time.Hour

func unmarshalSession(raw []byte, dst *Session) error {
	return json.Unmarshal(raw, dst)
}

// saveInPipe queues the session write inside an open WATCH pipeline.
func saveInPipe(ctx context.Context, pipe redis.Pipeliner, key string, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe.Set(ctx, key, raw, ttlSession)
	return nil
}

// Store keeps duel sessions in redis. The session value is the unit of
// optimistic concurrency: terminal transitions WATCH its key.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Key(id string) string      { return "duel:session:" + strings.TrimSpace(id) }
func (s *Store) keyUserIdx(u string) string { return "duel:index:user:" + strings.TrimSpace(u) }
func (s *Store) keyWaiting() string         { return "duel:waiting" }
func (s *Store) keyActive() string          { return "duel:active" }
func (s *Store) keySettle(id string) string { return "duel:settle:" + strings.TrimSpace(id) }

func (s *Store) Save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.Key(sess.ID), raw, ttlSession).Err()
}

func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, s.Key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Delete removes the session record and every index entry that points
// at it. Called only after settlement (or for discarded sessions).
func (s *Store) Delete(ctx context.Context, sess *Session) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.Key(sess.ID))
	pipe.SRem(ctx, s.keyWaiting(), sess.ID)
	pipe.SRem(ctx, s.keyActive(), sess.ID)
	for _, p := range sess.Players {
		pipe.SRem(ctx, s.keyUserIdx(p.UserID), sess.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) IndexUser(ctx context.Context, userID, sessionID string) error {
	key := s.keyUserIdx(userID)
	if err := s.rdb.SAdd(ctx, key, sessionID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, ttlSession).Err()
}

// ActiveSessionByUser finds one session where the user is an active
// participant, preferring the most recently updated.
func (s *Store) ActiveSessionByUser(ctx context.Context, userID string) (*Session, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyUserIdx(userID)).Result()
	if err != nil {
		return nil, err
	}
	var list []*Session
	for _, id := range ids {
		sess, lerr := s.Load(ctx, id)
		if lerr != nil || sess == nil {
			continue
		}
		if sess.Status == match.StatusWaiting || sess.Status == match.StatusOngoing {
			list = append(list, sess)
		}
	}
	if len(list) == 0 {
		return nil, nil
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	return list[0], nil
}

func (s *Store) AddWaiting(ctx context.Context, id string) error {
	if err := s.rdb.SAdd(ctx, s.keyWaiting(), id).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.keyWaiting(), ttlSession).Err()
}

func (s *Store) RemoveWaiting(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyWaiting(), id).Err()
}

func (s *Store) WaitingIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyWaiting()).Result()
}

func (s *Store) AddActive(ctx context.Context, id string) error {
	if err := s.rdb.SAdd(ctx, s.keyActive(), id).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.keyActive(), ttlSession).Err()
}

func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyActive()).Result()
}

func (s *Store) RemoveActive(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyActive(), id).Err()
}

// ClaimSettlement takes a short-lived lock so a finalize path and the
// retry sweep never settle the same session concurrently. The lock
// expires on its own; settlement writes are idempotent if it ever has
// to be repeated.
func (s *Store) ClaimSettlement(ctx context.Context, id string) (bool, error) {
	return s.rdb.SetNX(ctx, s.keySettle(id), time.Now().UnixNano(), 2*time.Minute).Result()
}

func (s *Store) ReleaseSettlement(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.keySettle(id)).Err()
}
