package connreg

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type fakeConn struct {
	id       string
	mu       sync.Mutex
	detached bool
}

func (f *fakeConn) ID() string                          { return f.id }
func (f *fakeConn) Send(context.Context, any) error     { return nil }
func (f *fakeConn) Detach()                             { f.mu.Lock(); f.detached = true; f.mu.Unlock() }
func (f *fakeConn) isDetached() bool                    { f.mu.Lock(); defer f.mu.Unlock(); return f.detached }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	c := &fakeConn{id: "c1"}
	r.Register("u1", c)

	got, ok := r.Lookup("u1")
	if !ok || got.ID() != "c1" {
		t.Fatalf("lookup: ok=%v got=%v", ok, got)
	}
	if _, ok := r.Lookup("u2"); ok {
		t.Fatalf("expected absent record for unknown user")
	}
}

func TestRegisterReplacesAndDetachesPrior(t *testing.T) {
	r := New()
	old := &fakeConn{id: "c1"}
	r.Register("u1", old)

	newer := &fakeConn{id: "c2"}
	r.Register("u1", newer)

	if !old.isDetached() {
		t.Fatalf("expected prior connection to be detached on takeover")
	}
	got, _ := r.Lookup("u1")
	if got.ID() != "c2" {
		t.Fatalf("expected newer connection on record, got %s", got.ID())
	}
}

func TestUnregisterIfCurrentIgnoresStale(t *testing.T) {
	r := New()
	old := &fakeConn{id: "c1"}
	r.Register("u1", old)
	newer := &fakeConn{id: "c2"}
	r.Register("u1", newer)

	// Stale teardown from the superseded connection must not delete the
	// newer record.
	if r.UnregisterIfCurrent("u1", old) {
		t.Fatalf("stale unregister should be a no-op")
	}
	if _, ok := r.Lookup("u1"); !ok {
		t.Fatalf("newer connection was deleted by stale unregister")
	}

	if !r.UnregisterIfCurrent("u1", newer) {
		t.Fatalf("current unregister should succeed")
	}
	if _, ok := r.Lookup("u1"); ok {
		t.Fatalf("record should be gone after current unregister")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", n%8)
			c := &fakeConn{id: fmt.Sprintf("c%d", n)}
			r.Register(user, c)
			r.Lookup(user)
			r.UnregisterIfCurrent(user, c)
		}(i)
	}
	wg.Wait()
}
