package grace

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/codearena/internal/connreg"
	"github.com/kapu/codearena/internal/obslog"
)

// Reason classifies why a connection went away.
type Reason string

const (
	// ReasonLeave is a user-initiated leave; cleanup runs immediately.
	ReasonLeave Reason = "leave"
	// ReasonTransport is an abrupt socket loss or keep-alive timeout;
	// cleanup is deferred by the grace window.
	ReasonTransport Reason = "transport"
)

// DefaultWindow is how long a dropped connection may reconnect before
// the owning state machine's cleanup runs.
const DefaultWindow = 5 * time.Second

// CleanupFunc is the owning state machine's disconnect-cleanup path.
type CleanupFunc func(ctx context.Context, sessionID, userID string)

type pendingKey struct {
	sessionID string
	userID    string
}

// pendingEntry carries a generation token so a replaced timer that
// already fired and is waiting on the lock cannot consume its
// successor's entry.
type pendingEntry struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator defers destructive session cleanup when a participant's
// connection drops. When the window elapses it re-checks the Connection
// Registry under its own lock: if the user now maps to a different
// connection than the one that dropped, the cleanup is a no-op.
type Coordinator struct {
	reg    *connreg.Registry
	window time.Duration

	mu      sync.Mutex
	gen     uint64
	pending map[pendingKey]*pendingEntry
}

func New(reg *connreg.Registry, window time.Duration) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coordinator{reg: reg, window: window, pending: make(map[pendingKey]*pendingEntry)}
}

// OnDisconnect schedules (or immediately runs) cleanup for one
// participant. connID is the connection that went away; only that exact
// connection still being absent at fire time triggers cleanup.
func (c *Coordinator) OnDisconnect(sessionID, userID, connID string, reason Reason, cleanup CleanupFunc) {
	if reason == ReasonLeave {
		cleanup(context.Background(), sessionID, userID)
		return
	}

	k := pendingKey{sessionID: sessionID, userID: userID}
	c.mu.Lock()
	if e, ok := c.pending[k]; ok {
		// A newer drop for the same participant restarts the window.
		e.timer.Stop()
	}
	c.gen++
	gen := c.gen
	entry := &pendingEntry{gen: gen}
	entry.timer = time.AfterFunc(c.window, func() { c.fire(k, gen, connID, cleanup) })
	c.pending[k] = entry
	c.mu.Unlock()

	obslog.L().Debug("grace_scheduled",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.Duration("window", c.window),
	)
}

// fire runs when the grace window elapses. The pending-entry removal
// and the registry re-check happen under one lock so a reconnect racing
// the expiry cannot be forfeited.
func (c *Coordinator) fire(k pendingKey, gen uint64, droppedConnID string, cleanup CleanupFunc) {
	c.mu.Lock()
	e, ok := c.pending[k]
	if !ok || e.gen != gen {
		// Cancelled, or superseded by a newer drop whose own window
		// must run its full course.
		c.mu.Unlock()
		return
	}
	delete(c.pending, k)

	if cur, ok := c.reg.Lookup(k.userID); ok && cur.ID() != droppedConnID {
		c.mu.Unlock()
		obslog.L().Info("grace_reconnected",
			zap.String("session_id", k.sessionID),
			zap.String("user_id", k.userID),
		)
		return
	}
	c.mu.Unlock()

	obslog.L().Info("grace_expired",
		zap.String("session_id", k.sessionID),
		zap.String("user_id", k.userID),
	)
	cleanup(context.Background(), k.sessionID, k.userID)
}

// CancelUser drops a pending cleanup for one participant, reporting
// whether one was pending.
func (c *Coordinator) CancelUser(sessionID, userID string) bool {
	k := pendingKey{sessionID: sessionID, userID: userID}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(c.pending, k)
	return true
}

// CancelSession drops every pending cleanup for a session. Called when
// the session completes through a normal path so no timers leak.
func (c *Coordinator) CancelSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.pending {
		if k.sessionID == sessionID {
			e.timer.Stop()
			delete(c.pending, k)
		}
	}
}

// PendingCount reports scheduled cleanups not yet fired or cancelled.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
