package connreg

import (
	"context"
	"hash/fnv"
	"sync"
)

// Conn is a live client connection handle. Implementations must be safe
// for concurrent use; Send serializes its own writes.
type Conn interface {
	ID() string
	Send(ctx context.Context, event any) error
	// Detach removes the connection's event listeners without closing
	// the underlying socket. Used on graceful takeover by a newer
	// connection from the same user.
	Detach()
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// Registry maps a user identity to its authoritative live connection.
// At most one connection per user is on record at any instant; a newer
// register supersedes an older one without severing it.
type Registry struct {
	shards [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Register makes conn the authoritative connection for userID. A prior
// record is replaced and detached, not closed; the client may still be
// tearing the old socket down.
func (r *Registry) Register(userID string, conn Conn) {
	s := r.shardFor(userID)
	s.mu.Lock()
	prev := s.conns[userID]
	s.conns[userID] = conn
	s.mu.Unlock()
	if prev != nil && prev.ID() != conn.ID() {
		prev.Detach()
	}
}

// Lookup returns the current connection for userID, if any.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	s := r.shardFor(userID)
	s.mu.RLock()
	c, ok := s.conns[userID]
	s.mu.RUnlock()
	return c, ok
}

// UnregisterIfCurrent removes the record only if conn is still the one
// on file. A stale unregister from an already-superseded connection is
// a no-op, so a reconnect is never deleted by its predecessor's
// teardown.
func (r *Registry) UnregisterIfCurrent(userID string, conn Conn) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conns[userID]
	if !ok || cur.ID() != conn.ID() {
		return false
	}
	delete(s.conns, userID)
	return true
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}
