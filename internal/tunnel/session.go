package tunnel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"xtunnel/internal/metrics"
)

var (
	ErrNotRunning       = errors.New("tunnel: session not running")
	ErrNotLoggedIn      = errors.New("tunnel: no credentials, login first")
	ErrLoginFailed      = errors.New("tunnel: login failed")
	ErrQuotaExhausted   = errors.New("tunnel: no quota remaining")
	ErrSessionUnknown   = errors.New("tunnel: session unknown to server")
	ErrServerDown       = errors.New("tunnel: server down")
	ErrUnknownConn      = errors.New("tunnel: unknown connection")
	ErrProxyUnsupported = errors.New("tunnel: transport does not support proxies")
	ErrStopped          = errors.New("tunnel: stopped while starting")
)

// HTTP statuses with session-level meaning.
const (
	statusSessionUnknown = 405
	statusServerDown     = 521
)

// loginAttempts bounds EnsureRunning's login retries.
const loginAttempts = 3

// Transport performs one HTTP POST against the tunnel endpoint.
type Transport interface {
	Post(ctx context.Context, path string, body []byte) (status int, resp []byte, err error)
}

// BodyCodec transforms whole request and response bodies, e.g. compression
// and encryption.
type BodyCodec interface {
	Encode(plain []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Config holds session tunables.
type Config struct {
	WindowSize       uint32
	WindowAck        uint32
	MaxPayload       int
	SendDelay        time.Duration
	Concurrency      int
	MinOnRoad        int
	RoundtripTimeout time.Duration
	NetworkTimeout   time.Duration
	Retry            RetryStrategy
	IdleReset        time.Duration

	LoginPath string
	DataPath  string
	ExtraInfo []byte
	Codec     BodyCodec
	Debug     bool
}

func (c *Config) applyDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = 16 << 20
	}
	if c.WindowAck == 0 {
		c.WindowAck = c.WindowSize / 64
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 128 << 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 50
	}
	if c.MinOnRoad <= 0 {
		c.MinOnRoad = 2
	}
	if c.MinOnRoad > c.Concurrency {
		c.MinOnRoad = c.Concurrency
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = 10 * time.Second
	}
	if c.Retry == (RetryStrategy{}) {
		c.Retry = DefaultRetryStrategy()
	}
	if c.LoginPath == "" {
		c.LoginPath = "/login"
	}
	if c.DataPath == "" {
		c.DataPath = "/data"
	}
}

// Session multiplexes logical connections over one authenticated tunnel
// session. All per-session queues live in a generation that is rebuilt on
// every Start.
type Session struct {
	cfg       Config
	transport Transport

	lifecycle sync.Mutex

	mu       sync.Mutex
	gen      *generation
	account  string
	password string
	id       SessionID
	lastErr  error
	stops    uint64 // bumped by every Stop; a start begun before it is abandoned
	sample   trafficSample

	uploadBytes   atomic.Uint64
	downloadBytes atomic.Uint64
	roundtrips    atomic.Uint64
	retries       atomic.Uint64
	timeouts      atomic.Uint64
	resets        atomic.Uint64
}

func NewSession(t Transport, cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{cfg: cfg, transport: t}
}

// Login authenticates with the remote endpoint. Credentials and the new
// session id are only kept when the server accepts them.
func (s *Session) Login(ctx context.Context, account, password string) error {
	id, err := newSessionID()
	if err != nil {
		return err
	}
	req := LoginRequest{
		SessionID:  id,
		MaxPayload: uint32(s.cfg.MaxPayload),
		SendDelay:  s.cfg.SendDelay,
		WindowSize: s.cfg.WindowSize,
		WindowAck:  s.cfg.WindowAck,
		Account:    account,
		Password:   password,
		ExtraInfo:  s.cfg.ExtraInfo,
	}
	body, err := req.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if body, err = s.encode(body); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	status, resp, err := s.transport.Post(ctx, s.cfg.LoginPath, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	switch status {
	case 200:
	case statusServerDown:
		return ErrServerDown
	default:
		return fmt.Errorf("%w: status %d", ErrLoginFailed, status)
	}
	plain, err := s.decode(resp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	var lr LoginResponse
	if err := lr.UnmarshalBinary(plain); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if lr.Result != 0 {
		return fmt.Errorf("%w: result %d: %s", ErrLoginFailed, lr.Result, lr.Message)
	}

	s.mu.Lock()
	s.account, s.password, s.id = account, password, id
	s.mu.Unlock()
	log.Printf("tunnel: logged in as %q, session %s", account, id)
	return nil
}

// Start builds fresh queues and launches the worker pool. Without a current
// session id it logs in again with the saved credentials.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.stops
	s.mu.Unlock()
	return s.start(ctx, epoch)
}

// start brings the session up unless a Stop newer than epoch has happened.
func (s *Session) start(ctx context.Context, epoch uint64) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if g := s.current(); g != nil && g.running.Load() {
		return nil
	}
	s.mu.Lock()
	id, account, password, stopped := s.id, s.account, s.password, s.stops != epoch
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if id.IsZero() {
		if account == "" {
			return ErrNotLoggedIn
		}
		if err := s.Login(ctx, account, password); err != nil {
			s.setErr(err)
			return err
		}
		s.mu.Lock()
		id = s.id
		s.mu.Unlock()
	}

	g := newGeneration(s, id)
	g.epoch = epoch
	s.mu.Lock()
	if s.stops != epoch {
		// Stop ran while we were logging in.
		s.id = SessionID{}
		s.mu.Unlock()
		return ErrStopped
	}
	s.gen = g
	s.lastErr = nil
	g.start()
	s.mu.Unlock()
	log.Printf("tunnel: session %s running with %d workers", id, s.cfg.Concurrency)
	return nil
}

// Stop shuts the worker pool down, closes every logical connection and
// discards the session id.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stops++
	g := s.gen
	s.mu.Unlock()
	s.stopGeneration(g, ReasonSystemReset, nil)
	s.mu.Lock()
	s.id = SessionID{}
	s.mu.Unlock()
}

// Reset tears the session down and starts a new one.
func (s *Session) Reset(ctx context.Context) error {
	s.Stop()
	s.resets.Add(1)
	metrics.IncResets()
	return s.Start(ctx)
}

// EnsureRunning starts the session if needed, retrying the login a few
// times, and recycles a session that sat idle past Config.IdleReset.
func (s *Session) EnsureRunning(ctx context.Context) error {
	if g := s.current(); g != nil && g.running.Load() {
		if s.cfg.IdleReset <= 0 || time.Since(g.lastActivity()) < s.cfg.IdleReset {
			return nil
		}
		log.Printf("tunnel: session %s idle for %s, resetting", g.id, time.Since(g.lastActivity()).Round(time.Second))
		s.Stop()
		s.resets.Add(1)
		metrics.IncResets()
	}

	b := &backoff.Backoff{Min: time.Second, Max: 5 * time.Second, Factor: 2}
	var err error
	for attempt := 0; attempt < loginAttempts; attempt++ {
		if err = s.Start(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrNotLoggedIn) || errors.Is(err, ErrServerDown) || errors.Is(err, ErrStopped) {
			return err
		}
		log.Printf("tunnel: start attempt %d failed: %v", attempt+1, err)
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// CreateConnection registers a logical connection for sock and asks the
// remote to open host:port. On success the session owns sock.
func (s *Session) CreateConnection(sock net.Conn, host string, port uint16) (uint32, error) {
	g := s.current()
	if g == nil || !g.running.Load() {
		return 0, ErrNotRunning
	}
	c := g.conns.add(func(id uint32) *Conn {
		return newConn(id, sock, g, g.cfg.WindowSize, g.cfg.WindowAck)
	})
	metrics.IncConnections()
	g.adjustTarget(10)
	c.start(host, port)
	if !g.running.Load() {
		// Lost a race with Stop after its sweep of the table.
		c.shutdown(ReasonSystemReset, false)
		return 0, ErrNotRunning
	}
	g.debugf("conn %d open %s:%d", c.id, host, port)
	return c.id, nil
}

// SendData queues bytes read from a logical connection's socket.
func (s *Session) SendData(connID uint32, data []byte) error {
	g := s.current()
	if g == nil {
		return ErrNotRunning
	}
	if g.conns.Get(connID) == nil {
		return fmt.Errorf("%w: %d", ErrUnknownConn, connID)
	}
	return g.SendData(connID, data)
}

// SetProxy switches the outbound transport to proxyURL; empty means direct.
// Round-trips already in flight finish on the old path.
func (s *Session) SetProxy(proxyURL string) error {
	ps, ok := s.transport.(interface{ SetProxy(string) error })
	if !ok {
		return ErrProxyUnsupported
	}
	return ps.SetProxy(proxyURL)
}

// Running reports whether the worker pool is active.
func (s *Session) Running() bool {
	g := s.current()
	return g != nil && g.running.Load()
}

// Err returns the error that last stopped the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) current() *generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// stopGeneration stops g once. It returns false when g was already stopped,
// which is how concurrent Reset and Stop requests collapse into one.
func (s *Session) stopGeneration(g *generation, reason string, cause error) bool {
	if g == nil || !g.running.CompareAndSwap(true, false) {
		return false
	}
	close(g.quit)
	g.cancel()
	g.queue.Stop()
	closed := g.conns.CloseAll(reason)
	g.wg.Wait()
	g.acks.Reset()

	s.mu.Lock()
	if s.gen == g {
		s.gen = nil
	}
	if s.id == g.id {
		s.id = SessionID{}
	}
	if cause != nil {
		s.lastErr = cause
	}
	s.mu.Unlock()
	metrics.SetInFlight(0)
	log.Printf("tunnel: session %s stopped (%s), closed %d connections", g.id, reason, closed)
	return true
}

// resetFrom runs on a worker that has already left the pool.
func (s *Session) resetFrom(g *generation, cause error) {
	if !s.stopGeneration(g, ReasonSystemReset, nil) {
		return
	}
	s.resets.Add(1)
	metrics.IncResets()
	log.Printf("tunnel: resetting session: %v", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.NetworkTimeout)
	defer cancel()
	if err := s.start(ctx, g.epoch); err != nil {
		log.Printf("tunnel: restart after reset failed: %v", err)
	}
}

func (s *Session) stopFrom(g *generation, cause error) {
	if s.stopGeneration(g, cause.Error(), cause) {
		log.Printf("tunnel: session stopped: %v", cause)
	}
}

func (s *Session) encode(b []byte) ([]byte, error) {
	if s.cfg.Codec == nil {
		return b, nil
	}
	return s.cfg.Codec.Encode(b)
}

func (s *Session) decode(b []byte) ([]byte, error) {
	if s.cfg.Codec == nil {
		return b, nil
	}
	return s.cfg.Codec.Decode(b)
}

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz"

func newSessionID() (SessionID, error) {
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("session id: %w", err)
	}
	for i, b := range id {
		id[i] = sessionIDAlphabet[int(b)%len(sessionIDAlphabet)]
	}
	return id, nil
}
