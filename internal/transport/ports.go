package transport

import (
	"sync"
	"time"
)

type portState struct {
	consecutiveFailures int
	lastResult          time.Time
}

// PortPool rotates round-trips across a range of server ports and demotes
// ports that keep failing until their cooldown passes.
type PortPool struct {
	mu       sync.Mutex
	ports    []int
	state    map[int]*portState
	next     int
	cooldown time.Duration
	now      func() time.Time
}

const portFailLimit = 2

// NewPortPool covers first..last inclusive. last <= first yields a single
// port.
func NewPortPool(first, last int) *PortPool {
	if last < first {
		last = first
	}
	ports := make([]int, 0, last-first+1)
	for p := first; p <= last; p++ {
		ports = append(ports, p)
	}
	return &PortPool{
		ports:    ports,
		state:    make(map[int]*portState, len(ports)),
		cooldown: 30 * time.Second,
		now:      time.Now,
	}
}

// Next returns the next healthy port. When every port is demoted the one
// with the fewest consecutive failures wins.
func (p *PortPool) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ports) == 1 {
		return p.ports[0]
	}

	best, bestFails := -1, 0
	for i := 0; i < len(p.ports); i++ {
		idx := (p.next + i) % len(p.ports)
		port := p.ports[idx]
		if p.healthyLocked(port) {
			p.next = idx + 1
			return port
		}
		if f := p.state[port].consecutiveFailures; best < 0 || f < bestFails {
			best, bestFails = idx, f
		}
	}
	p.next = best + 1
	return p.ports[best]
}

func (p *PortPool) healthyLocked(port int) bool {
	st := p.state[port]
	if st == nil || st.consecutiveFailures < portFailLimit {
		return true
	}
	return p.cooldown > 0 && p.now().Sub(st.lastResult) >= p.cooldown
}

// Report records the outcome of a round-trip on port.
func (p *PortPool) Report(port int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state[port]
	if st == nil {
		st = &portState{}
		p.state[port] = st
	}
	st.lastResult = p.now()
	if ok {
		st.consecutiveFailures = 0
	} else {
		st.consecutiveFailures++
	}
}

// Len returns the number of ports in the pool.
func (p *PortPool) Len() int { return len(p.ports) }
