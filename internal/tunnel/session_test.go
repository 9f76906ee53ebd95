package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtunnel/internal/codec"
)

// fakeServer is an in-memory tunnel endpoint. Every logical connection is
// an echo service, and received upload bytes are window-acked right away.
type fakeServer struct {
	codec    BodyCodec
	account  string
	password string
	frame    int

	mu          sync.Mutex
	logins      int
	loginStatus int
	sessions    map[SessionID]*fakeSession
	hook        func(req *DataRequest) (status int, body []byte, handled bool)
	delivered   map[uint64]bool // transfer ids answered with downstream bytes
	acked       map[uint64]int  // ack tokens seen in accepted requests
}

type fakeSession struct {
	nextUp  uint32
	pending map[uint32][]byte
	split   recordSplitter
	down    []byte
	sent    uint64
	seq     uint32
	conns   map[uint32]*fakeConn
}

type fakeConn struct {
	host     string
	port     uint16
	received uint64
	closed   string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		account:  "alice",
		password: "s3cret",
		frame:    3000,
		sessions:  make(map[SessionID]*fakeSession),
		delivered: make(map[uint64]bool),
		acked:     make(map[uint64]int),
	}
}

func (f *fakeServer) encode(b []byte) []byte {
	if f.codec == nil {
		return b
	}
	out, err := f.codec.Encode(b)
	if err != nil {
		panic(err)
	}
	return out
}

func (f *fakeServer) setHook(h func(req *DataRequest) (int, []byte, bool)) {
	f.mu.Lock()
	f.hook = h
	f.mu.Unlock()
}

func (f *fakeServer) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeServer) errorResponse(code uint8, msg string) []byte {
	b, _ := (&DataResponse{Type: packetError, Code: code, Message: msg}).MarshalBinary()
	return f.encode(b)
}

func (f *fakeServer) Post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if f.codec != nil {
		var err error
		if body, err = f.codec.Decode(body); err != nil {
			return 400, nil, nil
		}
	}
	switch {
	case path == "/login":
		return f.login(body)
	case strings.HasPrefix(path, "/data?tid="):
		return f.data(ctx, body)
	}
	return 404, nil, nil
}

func (f *fakeServer) login(body []byte) (int, []byte, error) {
	var req LoginRequest
	if err := req.UnmarshalBinary(body); err != nil {
		return 400, nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.loginStatus != 0 {
		return f.loginStatus, nil, nil
	}
	resp := LoginResponse{}
	if req.Account != f.account || req.Password != f.password {
		resp = LoginResponse{Result: 1, Message: "bad credentials"}
	} else {
		f.sessions[req.SessionID] = &fakeSession{
			nextUp:  1,
			pending: make(map[uint32][]byte),
			conns:   make(map[uint32]*fakeConn),
		}
	}
	b, _ := resp.MarshalBinary()
	return 200, f.encode(b), nil
}

func (f *fakeServer) data(ctx context.Context, body []byte) (int, []byte, error) {
	var req DataRequest
	if err := req.UnmarshalBinary(body); err != nil {
		return 200, f.errorResponse(CodeUnpackError, err.Error()), nil
	}

	f.mu.Lock()
	if f.hook != nil {
		if status, b, ok := f.hook(&req); ok {
			f.mu.Unlock()
			return status, b, nil
		}
	}
	sess := f.sessions[req.SessionID]
	if sess == nil {
		f.mu.Unlock()
		return 200, f.errorResponse(CodeSessionUnknown, "unknown session"), nil
	}
	for _, tok := range ParseAcks(req.Acks) {
		f.acked[tok]++
	}
	sess.ingest(req.UploadSN, req.Upload)
	f.mu.Unlock()

	// Hold a poll briefly so downstream data can accumulate.
	if req.ServerTimeout > 0 {
		deadline := time.Now().Add(20 * time.Millisecond)
		for time.Now().Before(deadline) && ctx.Err() == nil {
			f.mu.Lock()
			n := len(sess.down)
			f.mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	f.mu.Lock()
	n := min(len(sess.down), f.frame)
	resp := DataResponse{Type: packetData, ServerSN: uint32(sess.sent), Payload: bytes.Clone(sess.down[:n])}
	sess.down = sess.down[n:]
	sess.sent += uint64(n)
	if n > 0 {
		f.delivered[req.TransferID] = true
	}
	f.mu.Unlock()

	b, _ := resp.MarshalBinary()
	return 200, f.encode(b), nil
}

// ingest applies upload batches in sequence order; retried batches are
// ignored.
func (s *fakeSession) ingest(sn uint32, upload []byte) {
	if sn == 0 || len(upload) == 0 || sn < s.nextUp {
		return
	}
	if _, dup := s.pending[sn]; dup {
		return
	}
	s.pending[sn] = bytes.Clone(upload)
	for {
		b, ok := s.pending[s.nextUp]
		if !ok {
			return
		}
		delete(s.pending, s.nextUp)
		s.nextUp++
		_ = s.split.feed(b, s.handle)
	}
}

func (s *fakeSession) handle(r record) {
	switch r.typ {
	case recordControl:
		_, cmd, args, err := parseControl(r.body)
		if err != nil {
			return
		}
		switch cmd {
		case cmdOpen:
			host, port, _ := parseOpenArgs(args)
			s.conns[r.connID] = &fakeConn{host: host, port: port}
		case cmdClose:
			if c := s.conns[r.connID]; c != nil {
				c.closed = string(args)
			}
		}
	case recordData:
		c := s.conns[r.connID]
		if c == nil {
			return
		}
		c.received += uint64(len(r.body))
		s.down = append(s.down, dataRecord(r.connID, r.body)...)
		s.seq++
		s.down = append(s.down, controlRecord(r.connID, s.seq, cmdWindowAck, windowAckArgs(c.received))...)
	}
}

// closeConn queues a remote close for connID on every session.
func (f *fakeServer) closeConn(connID uint32, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		s.seq++
		s.down = append(s.down, controlRecord(connID, s.seq, cmdClose, []byte(reason))...)
	}
}

// conn returns a copy of the server's view of connID.
func (f *fakeServer) conn(connID uint32) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if c := s.conns[connID]; c != nil {
			cp := *c
			return &cp
		}
	}
	return nil
}

func (f *fakeServer) received(connID uint32) uint64 {
	if c := f.conn(connID); c != nil {
		return c.received
	}
	return 0
}

func testConfig() Config {
	return Config{
		WindowSize:       64 << 10,
		WindowAck:        16 << 10,
		MaxPayload:       8 << 10,
		SendDelay:        time.Millisecond,
		Concurrency:      4,
		MinOnRoad:        2,
		RoundtripTimeout: time.Second,
		NetworkTimeout:   2 * time.Second,
		Retry:            RetryStrategy{Step: 5 * time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 2},
	}
}

func startSession(t *testing.T, srv *fakeServer, cfg Config) *Session {
	t.Helper()
	s := NewSession(srv, cfg)
	require.NoError(t, s.Login(context.Background(), "alice", "s3cret"))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func openConn(t *testing.T, s *Session, host string, port uint16) (net.Conn, *countingConn, uint32) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close() })
	sock := &countingConn{Conn: remote}
	id, err := s.CreateConnection(sock, host, port)
	require.NoError(t, err)
	return local, sock, id
}

func TestLoginFailureLeavesSessionStopped(t *testing.T) {
	srv := newFakeServer()
	s := NewSession(srv, testConfig())

	err := s.Login(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, ErrLoginFailed)
	assert.Contains(t, err.Error(), "bad credentials")
	assert.False(t, s.Running())

	assert.ErrorIs(t, s.Start(context.Background()), ErrNotLoggedIn)
	_, err = s.CreateConnection(nil, "example.com", 80)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestLoginServerDown(t *testing.T) {
	srv := newFakeServer()
	srv.loginStatus = statusServerDown
	s := NewSession(srv, testConfig())
	assert.ErrorIs(t, s.Login(context.Background(), "alice", "s3cret"), ErrServerDown)

	srv.loginStatus = 500
	assert.ErrorIs(t, s.Login(context.Background(), "alice", "s3cret"), ErrLoginFailed)
}

func TestEchoRoundTrip(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())

	local, _, id := openConn(t, s, "echo.test", 7)
	assert.Equal(t, uint32(1), id)

	_, err := local.Write([]byte("hello tunnel"))
	require.NoError(t, err)
	buf := make([]byte, len("hello tunnel"))
	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(local, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello tunnel", string(buf))

	c := srv.conn(id)
	require.NotNil(t, c)
	assert.Equal(t, "echo.test", c.host)
	assert.Equal(t, uint16(7), c.port)

	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Connections)
	assert.NotZero(t, st.Roundtrips)
	assert.Contains(t, st.String(), "conns=1")
}

func bulkEcho(t *testing.T, s *Session, size int) {
	t.Helper()
	local, _, _ := openConn(t, s, "bulk.test", 9)

	payload := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(payload)

	writeErr := make(chan error, 1)
	go func() {
		_, err := local.Write(payload)
		writeErr <- err
	}()

	got := make([]byte, size)
	local.SetReadDeadline(time.Now().Add(20 * time.Second))
	_, err := io.ReadFull(local, got)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)
	assert.True(t, bytes.Equal(payload, got), "echoed bytes differ")
}

func TestBulkEchoPreservesBytes(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())
	// Larger than the window, so flow control has to cycle.
	bulkEcho(t, s, 300<<10)
	assert.Zero(t, s.Status().PendingFrames)
}

func TestBulkEchoThroughCodec(t *testing.T) {
	chain, err := codec.New(codec.Options{Compress: "lz4", Cipher: "chacha20poly1305", Password: "k"})
	require.NoError(t, err)

	srv := newFakeServer()
	srv.codec = chain
	cfg := testConfig()
	cfg.Codec = chain
	s := startSession(t, srv, cfg)
	bulkEcho(t, s, 100<<10)
}

func TestConcurrentCreateConnectionDistinctIDs(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())

	const n = 20
	ids := make(chan uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, id := openConn(t, s, "many.test", 80)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint32]bool{}
	for id := range ids {
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
		assert.True(t, id >= 1 && id <= n)
	}
	assert.Len(t, seen, n)
}

func TestQuotaExhaustedStopsAndClosesOnce(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())

	var socks []*countingConn
	for i := 0; i < 3; i++ {
		_, sock, _ := openConn(t, s, "quota.test", 80)
		socks = append(socks, sock)
	}

	srv.setHook(func(*DataRequest) (int, []byte, bool) {
		return 200, srv.errorResponse(CodeNoQuota, "no quota"), true
	})

	require.Eventually(t, func() bool { return !s.Running() }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrQuotaExhausted)
	assert.Contains(t, s.Status().LastError, "quota")
	for _, sock := range socks {
		assert.Equal(t, int32(1), sock.closes.Load())
	}
	assert.Equal(t, 1, srv.loginCount())

	_, err := s.CreateConnection(nil, "x", 1)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestServerDownStops(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())
	openConn(t, s, "down.test", 80)

	srv.setHook(func(*DataRequest) (int, []byte, bool) { return statusServerDown, nil, true })
	require.Eventually(t, func() bool { return !s.Running() }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrServerDown)
}

func TestSessionUnknownResetsOnce(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())
	first := s.Status().SessionID

	// A few connections so several workers hit the rejection together.
	var socks []*countingConn
	for i := 0; i < 3; i++ {
		_, sock, _ := openConn(t, s, "reset.test", 80)
		socks = append(socks, sock)
	}

	var rejected atomic.Int32
	srv.setHook(func(req *DataRequest) (int, []byte, bool) {
		if req.SessionID.String() == first {
			rejected.Add(1)
			return statusSessionUnknown, nil, true
		}
		return 0, nil, false
	})

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Running && st.SessionID != first
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, srv.loginCount())
	assert.Equal(t, uint64(1), s.Status().Resets)
	assert.NotZero(t, rejected.Load())
	for _, sock := range socks {
		assert.Equal(t, int32(1), sock.closes.Load())
	}

	// The new session carries traffic.
	local, _, id := openConn(t, s, "after.test", 7)
	assert.Equal(t, uint32(1), id)
	_, err := local.Write([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(local, buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}

func TestErrorCodeSessionUnknownResets(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())
	first := s.Status().SessionID

	srv.setHook(func(req *DataRequest) (int, []byte, bool) {
		if req.SessionID.String() == first {
			return 200, srv.errorResponse(CodeSessionUnknown, "gone"), true
		}
		return 0, nil, false
	})
	openConn(t, s, "reset.test", 80)

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Running && st.SessionID != first
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())

	var failures atomic.Int32
	srv.setHook(func(*DataRequest) (int, []byte, bool) {
		switch failures.Add(1) {
		case 1:
			return 502, nil, true
		case 2:
			return 200, srv.errorResponse(CodeUnpackError, "garbled"), true
		case 3:
			return 200, []byte("not a frame"), true
		}
		return 0, nil, false
	})

	local, _, _ := openConn(t, s, "retry.test", 7)
	_, err := local.Write([]byte("still here"))
	require.NoError(t, err)
	buf := make([]byte, len("still here"))
	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(local, buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf))

	assert.True(t, s.Running())
	assert.GreaterOrEqual(t, s.Status().Retries, uint64(3))
	assert.Equal(t, 1, srv.loginCount())
}

func TestRemoteCloseDeliversThenCloses(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())
	local, sock, id := openConn(t, s, "close.test", 7)

	_, err := local.Write([]byte("last words"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return srv.received(id) == uint64(len("last words"))
	}, 5*time.Second, time.Millisecond)
	srv.closeConn(id, "target closed")

	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(local)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))
	require.Eventually(t, func() bool { return s.Status().Connections == 0 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), sock.closes.Load())
	assert.True(t, s.Running())
}

func TestRemoteConnectionLimitResets(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())
	first := s.Status().SessionID
	_, _, id := openConn(t, s, "limit.test", 80)

	srv.closeConn(id, reasonMaxConn)
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Running && st.SessionID != first
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Status().Resets)
}

func TestLocalCloseNotifiesServer(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())
	local, _, id := openConn(t, s, "bye.test", 7)

	require.NoError(t, local.Close())
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		for _, sess := range srv.sessions {
			if c := sess.conns[id]; c != nil && c.closed != "" {
				return c.closed == "local closed"
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, s.Status().Connections)
}

func TestStopThenStartLogsInAgain(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())
	_, sock, _ := openConn(t, s, "stop.test", 80)

	s.Stop()
	assert.False(t, s.Running())
	assert.Equal(t, int32(1), sock.closes.Load())
	assert.NoError(t, s.Err())
	s.Stop()

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	assert.Equal(t, 2, srv.loginCount())

	require.NoError(t, s.Reset(context.Background()))
	assert.True(t, s.Running())
	assert.Equal(t, 3, srv.loginCount())
	assert.Equal(t, uint64(1), s.Status().Resets)
}

func TestEnsureRunning(t *testing.T) {
	srv := newFakeServer()
	s := NewSession(srv, testConfig())
	assert.ErrorIs(t, s.EnsureRunning(context.Background()), ErrNotLoggedIn)

	require.NoError(t, s.Login(context.Background(), "alice", "s3cret"))
	require.NoError(t, s.EnsureRunning(context.Background()))
	t.Cleanup(s.Stop)
	assert.True(t, s.Running())
	require.NoError(t, s.EnsureRunning(context.Background()))
	assert.Equal(t, 1, srv.loginCount())
}

func TestEnsureRunningRecyclesIdleSession(t *testing.T) {
	srv := newFakeServer()
	cfg := testConfig()
	cfg.IdleReset = 20 * time.Millisecond
	s := startSession(t, srv, cfg)
	first := s.Status().SessionID

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, s.EnsureRunning(context.Background()))
	assert.NotEqual(t, first, s.Status().SessionID)
	assert.Equal(t, uint64(1), s.Status().Resets)
}

type proxyTransport struct {
	*fakeServer
	proxy string
}

func (p *proxyTransport) SetProxy(u string) error {
	if strings.HasPrefix(u, "http:") {
		return errors.New("unsupported")
	}
	p.proxy = u
	return nil
}

func TestSetProxy(t *testing.T) {
	s := NewSession(newFakeServer(), testConfig())
	assert.ErrorIs(t, s.SetProxy("socks5://127.0.0.1:1080"), ErrProxyUnsupported)

	pt := &proxyTransport{fakeServer: newFakeServer()}
	s = NewSession(pt, testConfig())
	require.NoError(t, s.SetProxy("socks5://127.0.0.1:1080"))
	assert.Equal(t, "socks5://127.0.0.1:1080", pt.proxy)
	assert.Error(t, s.SetProxy("http://proxy"))
}

func TestSendDataUnknownConn(t *testing.T) {
	srv := newFakeServer()
	s := NewSession(srv, testConfig())
	assert.ErrorIs(t, s.SendData(1, []byte("x")), ErrNotRunning)

	s = startSession(t, srv, testConfig())
	assert.ErrorIs(t, s.SendData(99, []byte("x")), ErrUnknownConn)
}

func TestAbandonedPollReturnsAckTokens(t *testing.T) {
	srv := newFakeServer()
	s := startSession(t, srv, testConfig())

	var mu sync.Mutex
	failing := true
	attempts := make(map[uint64]int)
	srv.setHook(func(req *DataRequest) (int, []byte, bool) {
		mu.Lock()
		defer mu.Unlock()
		if !failing || len(req.Upload) > 0 || len(req.Acks) == 0 {
			return 0, nil, false
		}
		attempts[req.TransferID]++
		return 502, nil, true
	})
	exhausted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range attempts {
			if n > testConfig().Retry.MaxRetries {
				return true
			}
		}
		return false
	}

	local, _, _ := openConn(t, s, "acks.test", 7)
	_, err := local.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(local, buf)
	require.NoError(t, err)

	require.Eventually(t, exhausted, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	failing = false
	mu.Unlock()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		if len(srv.delivered) == 0 {
			return false
		}
		for tid := range srv.delivered {
			if srv.acked[tid] == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	for tid := range srv.delivered {
		assert.Equal(t, 1, srv.acked[tid], "token %d", tid)
	}
	assert.True(t, s.Running())
}

// gatedLogin holds /login requests while block is set.
type gatedLogin struct {
	*fakeServer
	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLogin) Post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	if path == "/login" && g.block.Load() {
		g.entered <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	return g.fakeServer.Post(ctx, path, body)
}

func TestStopDuringResetLoginStaysStopped(t *testing.T) {
	srv := newFakeServer()
	gl := &gatedLogin{fakeServer: srv, entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewSession(gl, testConfig())
	require.NoError(t, s.Login(context.Background(), "alice", "s3cret"))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	first := s.Status().SessionID
	openConn(t, s, "reset.test", 80)

	gl.block.Store(true)
	srv.setHook(func(req *DataRequest) (int, []byte, bool) {
		if req.SessionID.String() == first {
			return statusSessionUnknown, nil, true
		}
		return 0, nil, false
	})

	select {
	case <-gl.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("reset never tried to log in")
	}
	s.Stop()
	assert.False(t, s.Running())
	close(gl.release)

	assert.Never(t, s.Running, 200*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 2, srv.loginCount())

	// An explicit Start afterwards still works.
	gl.block.Store(false)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	assert.NotEqual(t, first, s.Status().SessionID)
}
