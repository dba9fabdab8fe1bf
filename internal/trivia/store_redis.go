package trivia

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttlSession = 24 * time.Hour

func unmarshalSession(raw []byte, dst *Session) error {
	return json.Unmarshal(raw, dst)
}

func saveInPipe(ctx context.Context, pipe redis.Pipeliner, key string, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe.Set(ctx, key, raw, ttlSession)
	return nil
}

// Store keeps trivia sessions in redis under their own key space so a
// user can hold a duel and a trivia round at once.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Key(id string) string       { return "trivia:session:" + strings.TrimSpace(id) }
func (s *Store) keyUserIdx(u string) string { return "trivia:index:user:" + strings.TrimSpace(u) }
func (s *Store) keyWaiting() string         { return "trivia:waiting" }
func (s *Store) keyActive() string          { return "trivia:active" }
func (s *Store) keySettle(id string) string { return "trivia:settle:" + strings.TrimSpace(id) }

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

// ActiveSessionByUser returns the user's most recently updated
// non-terminal round, pruning index entries that point at dead ids.
func (s *Store) ActiveSessionByUser(ctx context.Context, userID string) (*Session, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyUserIdx(userID)).Result()
	if err != nil {
		return nil, err
	}
	var live []*Session
	for _, id := range ids {
		sess, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.Status.Terminal() {
			s.rdb.SRem(ctx, s.keyUserIdx(userID), id)
			continue
		}
		live = append(live, sess)
	}
	if len(live) == 0 {
		return nil, nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].UpdatedAt.After(live[j].UpdatedAt) })
	return live[0], nil
}

func (s *Store) AddWaiting(ctx context.Context, id string) error {
	return s.rdb.SAdd(ctx, s.keyWaiting(), id).Err()
}

func (s *Store) RemoveWaiting(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyWaiting(), id).Err()
}

func (s *Store) WaitingIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyWaiting()).Result()
}

func (s *Store) AddActive(ctx context.Context, id string) error {
	return s.rdb.SAdd(ctx, s.keyActive(), id).Err()
}

func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyActive()).Result()
}

func (s *Store) RemoveActive(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyActive(), id).Err()
}

// ClaimSettlement takes the short-lived settlement lock for a finished
// round. Exactly one finalizer gets true.
func (s *Store) ClaimSettlement(ctx context.Context, id string) (bool, error) {
	return s.rdb.SetNX(ctx, s.keySettle(id), "1", 2*time.Minute).Result()
}

func (s *Store) ReleaseSettlement(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.keySettle(id)).Err()
}

