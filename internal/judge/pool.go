package judge

import "sync"

type slot struct {
	secret   string
	failures int
}

// Pool tracks a set of interchangeable execution-service credentials
// with independent failure counts. Selection always prefers the lowest
// current failure count (ties broken by stable index order) so traffic
// drifts toward healthy credentials on its own. The pool is shared by
// every concurrent match; all counter updates go through one mutex.
type Pool struct {
	mu    sync.Mutex
	slots []slot
}

func NewPool(secrets []string) *Pool {
	p := &Pool{slots: make([]slot, 0, len(secrets))}
	for _, s := range secrets {
		if s == "" {
			continue
		}
		p.slots = append(p.slots, slot{secret: s})
	}
	return p
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// pick returns the healthiest credential not yet tried in this call.
func (p *Pool) pick(tried map[int]bool) (idx int, secret string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx = -1
	for i := range p.slots {
		if tried[i] {
			continue
		}
		if idx == -1 || p.slots[i].failures < p.slots[idx].failures {
			idx = i
		}
	}
	if idx == -1 {
		return 0, "", false
	}
	return idx, p.slots[idx].secret, true
}

func (p *Pool) reportFailure(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= 0 && i < len(p.slots) {
		p.slots[i].failures++
	}
}

// reportSuccess decrements the failure count, floored at zero, so an
// intermittently failing credential earns its way back.
func (p *Pool) reportSuccess(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= 0 && i < len(p.slots) && p.slots[i].failures > 0 {
		p.slots[i].failures--
	}
}

// Reset zeroes every failure counter. Run on a fixed interval so an old
// outage never permanently exiles a credential; with all counters equal
// selection restarts from the lowest index.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		p.slots[i].failures = 0
	}
}

// Failures returns a snapshot of the per-credential failure counts.
func (p *Pool) Failures() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.slots))
	for i := range p.slots {
		out[i] = p.slots[i].failures
	}
	return out
}
