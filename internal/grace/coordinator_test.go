package grace

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kapu/codearena/internal/connreg"
)

type stubConn struct{ id string }

func (s *stubConn) ID() string                      { return s.id }
func (s *stubConn) Send(context.Context, any) error { return nil }
func (s *stubConn) Detach()                         {}

func TestExplicitLeaveCleansImmediately(t *testing.T) {
	reg := connreg.New()
	c := New(reg, 50*time.Millisecond)

	var calls int32
	c.OnDisconnect("s1", "u1", "c1", ReasonLeave, func(_ context.Context, sessionID, userID string) {
		atomic.AddInt32(&calls, 1)
	})
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("explicit leave must clean up synchronously, calls=%d", calls)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("no timer should be scheduled for an explicit leave")
	}
}

func TestTransportLossFiresAfterWindow(t *testing.T) {
	reg := connreg.New()
	c := New(reg, 30*time.Millisecond)

	fired := make(chan struct{})
	c.OnDisconnect("s1", "u1", "c1", ReasonTransport, func(_ context.Context, sessionID, userID string) {
		if sessionID != "s1" || userID != "u1" {
			t.Errorf("unexpected cleanup args: %s %s", sessionID, userID)
		}
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("cleanup never fired after grace window")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending entry leaked after fire")
	}
}

func TestReconnectWithinWindowSuppressesCleanup(t *testing.T) {
	reg := connreg.New()
	c := New(reg, 40*time.Millisecond)

	var calls int32
	c.OnDisconnect("s1", "u1", "c-old", ReasonTransport, func(context.Context, string, string) {
		atomic.AddInt32(&calls, 1)
	})

	// Same user reconnects on a new connection before the window ends.
	reg.Register("u1", &stubConn{id: "c-new"})

	time.Sleep(120 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("reconnected player was forfeited: cleanup ran %d times", n)
	}
}

func TestSameConnectionStillRegisteredDoesNotSuppress(t *testing.T) {
	// A stale registry record pointing at the dropped connection must
	// not count as a reconnect.
	reg := connreg.New()
	reg.Register("u1", &stubConn{id: "c-old"})
	c := New(reg, 30*time.Millisecond)

	fired := make(chan struct{})
	c.OnDisconnect("s1", "u1", "c-old", ReasonTransport, func(context.Context, string, string) {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("cleanup should fire when the dropped connection is still on record")
	}
}

// A replaced timer that already fired but lost the lock race must not
// consume its successor's pending entry: the second drop's window runs
// in full, with the second drop's connection id.
func TestStaleFireDoesNotConsumeNewerEntry(t *testing.T) {
	reg := connreg.New()
	c := New(reg, time.Hour)

	var calls int32
	cleanup := func(_ context.Context, _, _ string) { atomic.AddInt32(&calls, 1) }

	c.OnDisconnect("s1", "u1", "c1", ReasonTransport, cleanup)
	k := pendingKey{sessionID: "s1", userID: "u1"}
	c.mu.Lock()
	staleGen := c.pending[k].gen
	c.mu.Unlock()

	// Second drop supersedes the first before its timer fires.
	c.OnDisconnect("s1", "u1", "c2", ReasonTransport, cleanup)

	// The first drop's expiry arriving late is a no-op.
	c.fire(k, staleGen, "c1", cleanup)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("stale fire ran cleanup")
	}
	if c.PendingCount() != 1 {
		t.Fatalf("pending = %d, want the newer entry kept", c.PendingCount())
	}

	// The current generation still owns its entry.
	c.mu.Lock()
	curGen := c.pending[k].gen
	c.mu.Unlock()
	c.fire(k, curGen, "c2", cleanup)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("current fire calls = %d, want 1", calls)
	}
	if c.PendingCount() != 0 {
		t.Fatal("pending entry leaked after current fire")
	}
}

func TestCancelSessionDropsTimers(t *testing.T) {
	reg := connreg.New()
	c := New(reg, 30*time.Millisecond)

	var calls int32
	c.OnDisconnect("s1", "u1", "c1", ReasonTransport, func(context.Context, string, string) {
		atomic.AddInt32(&calls, 1)
	})
	c.OnDisconnect("s1", "u2", "c2", ReasonTransport, func(context.Context, string, string) {
		atomic.AddInt32(&calls, 1)
	})
	c.CancelSession("s1")
	if c.PendingCount() != 0 {
		t.Fatalf("timers not dropped on session cancel")
	}

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("cleanup ran after cancel: %d", n)
	}
}

func TestCancelUser(t *testing.T) {
	reg := connreg.New()
	c := New(reg, 30*time.Millisecond)

	c.OnDisconnect("s1", "u1", "c1", ReasonTransport, func(context.Context, string, string) {})
	if !c.CancelUser("s1", "u1") {
		t.Fatalf("expected pending cleanup to be cancelled")
	}
	if c.CancelUser("s1", "u1") {
		t.Fatalf("second cancel should report nothing pending")
	}
}
