package socks5

import (
	"net"
	"sync"
	"time"
)

type peerFailState struct {
	failures int
	lastFail time.Time
}

// PeerLimiter refuses peers that failed authentication maxFailures times
// within window.
type PeerLimiter struct {
	mu          sync.Mutex
	fails       map[string]peerFailState
	maxFailures int
	window      time.Duration
	now         func() time.Time
}

func NewPeerLimiter(maxFailures int, window time.Duration) *PeerLimiter {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &PeerLimiter{
		fails:       make(map[string]peerFailState),
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
	}
}

// peerKey is the remote IP; ports change on every connection.
func peerKey(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (l *PeerLimiter) IsLimited(conn net.Conn) bool {
	key := peerKey(conn)
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.fails[key]
	if !ok {
		return false
	}
	if l.now().Sub(st.lastFail) > l.window {
		delete(l.fails, key)
		return false
	}
	return st.failures >= l.maxFailures
}

func (l *PeerLimiter) RecordFailure(conn net.Conn) {
	key := peerKey(conn)
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	st := l.fails[key]
	if now.Sub(st.lastFail) > l.window {
		st.failures = 0
	}
	st.failures++
	st.lastFail = now
	l.fails[key] = st
}

func (l *PeerLimiter) Clear(conn net.Conn) {
	key := peerKey(conn)
	if key == "" {
		return
	}
	l.mu.Lock()
	delete(l.fails, key)
	l.mu.Unlock()
}
