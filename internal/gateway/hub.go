package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kapu/codearena/internal/connreg"
	"github.com/kapu/codearena/internal/obslog"
	"github.com/kapu/codearena/pkg/arenadto"
)

// Hub routes server events to live connections. Delivery always goes
// through a fresh registry lookup so a reconnected user receives events
// on the new socket, never a cached dead one.
type Hub struct {
	reg *connreg.Registry

	mu       sync.RWMutex
	sessions map[string]map[string]struct{} // sessionID -> userIDs
	users    map[string]map[string]struct{} // userID -> sessionIDs
}

func NewHub(reg *connreg.Registry) *Hub {
	return &Hub{
		reg:      reg,
		sessions: make(map[string]map[string]struct{}),
		users:    make(map[string]map[string]struct{}),
	}
}

// Subscribe adds a user to a session's delivery list.
func (h *Hub) Subscribe(sessionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]struct{})
	}
	h.sessions[sessionID][userID] = struct{}{}
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]struct{})
	}
	h.users[userID][sessionID] = struct{}{}
}

// Unsubscribe removes one user from one session's delivery list.
func (h *Hub) Unsubscribe(sessionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[sessionID], userID)
	if len(h.sessions[sessionID]) == 0 {
		delete(h.sessions, sessionID)
	}
	delete(h.users[userID], sessionID)
	if len(h.users[userID]) == 0 {
		delete(h.users, userID)
	}
}

// SessionsOf lists the sessions a user is subscribed to.
func (h *Hub) SessionsOf(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.users[userID]))
	for id := range h.users[userID] {
		out = append(out, id)
	}
	return out
}

func (h *Hub) dropSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for uid := range h.sessions[sessionID] {
		delete(h.users[uid], sessionID)
		if len(h.users[uid]) == 0 {
			delete(h.users, uid)
		}
	}
	delete(h.sessions, sessionID)
}

// NotifyUser delivers to one user's current connection, if any.
func (h *Hub) NotifyUser(ctx context.Context, userID string, event arenadto.ServerEvent) {
	conn, ok := h.reg.Lookup(userID)
	if !ok {
		return
	}
	if err := conn.Send(ctx, event); err != nil {
		obslog.L().Debug("notify_user_failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Broadcast delivers to every subscriber of a session. A finished
// broadcast also retires the session's delivery list.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, event arenadto.ServerEvent) {
	h.mu.RLock()
	members := make([]string, 0, len(h.sessions[sessionID]))
	for uid := range h.sessions[sessionID] {
		members = append(members, uid)
	}
	h.mu.RUnlock()

	for _, uid := range members {
		h.NotifyUser(ctx, uid, event)
	}
	if event.Type == arenadto.EvFinished {
		h.dropSession(sessionID)
	}
}
