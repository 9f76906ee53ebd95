package tunnel

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
)

// ConnState is the lifecycle state of a logical connection.
type ConnState int32

const (
	StateOpening ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons with special meaning.
const (
	ReasonSystemReset = "system reset"
	reasonMaxConn     = "exceed the max connection"
)

const readChunk = 32 * 1024

var readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, readChunk)
		return &b
	},
}

// connHost is what a logical connection needs from its session.
type connHost interface {
	SendData(connID uint32, data []byte) error
	put(block []byte, urgent bool)
	forget(c *Conn)
}

// Conn bridges one local socket to the tunnel. Reads from the socket become
// data records; demultiplexed downstream bytes are written back in order.
type Conn struct {
	id        uint32
	host      connHost
	sock      net.Conn
	window    uint64
	windowAck uint64

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}

	mu           sync.Mutex
	cond         *sync.Cond
	seq          uint32
	inbound      [][]byte
	remoteClosed bool
	remoteReason string
	closeReason  string

	// sent counts socket bytes pushed upstream, remoteAcked how many of
	// those the remote has confirmed. delivered counts bytes written to the
	// socket, announced how many of those were reported back.
	sent        uint64
	remoteAcked uint64
	delivered   uint64
	announced   uint64
}

func newConn(id uint32, sock net.Conn, host connHost, window, windowAck uint32) *Conn {
	c := &Conn{
		id:        id,
		host:      host,
		sock:      sock,
		window:    uint64(window),
		windowAck: uint64(windowAck),
		done:      make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Conn) ID() uint32 { return c.id }

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseReason returns why the connection was closed, if it was.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// start queues the open record and launches the socket pumps.
func (c *Conn) start(host string, port uint16) {
	c.mu.Lock()
	seq := c.nextSeqLocked()
	c.mu.Unlock()
	c.host.put(controlRecord(c.id, seq, cmdOpen, openArgs(host, port)), true)
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) nextSeqLocked() uint32 {
	s := c.seq
	c.seq++
	return s
}

func (c *Conn) closing() bool { return c.State() >= StateClosing }

func (c *Conn) markOpen() {
	c.state.CompareAndSwap(int32(StateOpening), int32(StateOpen))
}

func (c *Conn) readLoop() {
	bufp := readBufPool.Get().(*[]byte)
	defer readBufPool.Put(bufp)
	buf := *bufp
	for {
		if !c.waitWindow() {
			return
		}
		n, err := c.sock.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.sent += uint64(n)
			c.mu.Unlock()
			if serr := c.host.SendData(c.id, buf[:n]); serr != nil {
				c.shutdown("send: "+serr.Error(), false)
				return
			}
		}
		if err != nil {
			reason := "local closed"
			if !errors.Is(err, io.EOF) {
				reason = "local read: " + err.Error()
			}
			c.Close(reason)
			return
		}
	}
}

// waitWindow blocks while the remote has not acknowledged enough of what was
// sent. It returns false once the connection is closing.
func (c *Conn) waitWindow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.window > 0 && c.sent > c.remoteAcked+c.window && !c.closing() {
		c.cond.Wait()
	}
	return !c.closing()
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.inbound) == 0 && !c.remoteClosed && !c.closing() {
			c.cond.Wait()
		}
		if c.closing() {
			c.mu.Unlock()
			return
		}
		if len(c.inbound) == 0 {
			reason := c.remoteReason
			c.mu.Unlock()
			c.shutdown(reason, false)
			return
		}
		chunk := c.inbound[0]
		c.inbound[0] = nil
		c.inbound = c.inbound[1:]
		c.mu.Unlock()

		if _, err := c.sock.Write(chunk); err != nil {
			c.Close("local write: " + err.Error())
			return
		}

		c.mu.Lock()
		c.delivered += uint64(len(chunk))
		var ack []byte
		if c.windowAck > 0 && c.delivered-c.announced >= c.windowAck {
			c.announced = c.delivered
			ack = controlRecord(c.id, c.nextSeqLocked(), cmdWindowAck, windowAckArgs(c.delivered))
		}
		c.mu.Unlock()
		if ack != nil {
			c.host.put(ack, true)
		}
	}
}

// PutInboundData queues downstream bytes for the local socket. It never
// blocks on the socket.
func (c *Conn) PutInboundData(data []byte) {
	if len(data) == 0 {
		return
	}
	c.markOpen()
	b := append([]byte(nil), data...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing() || c.remoteClosed {
		return
	}
	c.inbound = append(c.inbound, b)
	c.cond.Broadcast()
}

// windowAcked records that the remote consumed everything up to pos.
func (c *Conn) windowAcked(pos uint64) {
	c.markOpen()
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos > c.remoteAcked {
		c.remoteAcked = pos
		c.cond.Broadcast()
	}
}

// remoteClose closes the connection after already queued inbound bytes have
// been written to the socket.
func (c *Conn) remoteClose(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteClosed {
		return
	}
	c.remoteClosed = true
	c.remoteReason = reason
	c.cond.Broadcast()
}

// Close tells the remote the connection is gone, closes the local socket and
// removes the connection from its table. Only the first call has any effect.
func (c *Conn) Close(reason string) {
	c.shutdown(reason, true)
}

func (c *Conn) shutdown(reason string, notify bool) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.mu.Lock()
		c.closeReason = reason
		c.inbound = nil
		seq := c.nextSeqLocked()
		c.cond.Broadcast()
		c.mu.Unlock()

		if notify {
			c.host.put(controlRecord(c.id, seq, cmdClose, []byte(reason)), true)
		}
		if err := c.sock.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("tunnel: conn %d close socket: %v", c.id, err)
		}
		c.host.forget(c)
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}

// ConnTable maps connection ids to live logical connections.
type ConnTable struct {
	mu     sync.Mutex
	nextID uint32
	conns  map[uint32]*Conn
}

func NewConnTable() *ConnTable {
	return &ConnTable{nextID: 1, conns: make(map[uint32]*Conn)}
}

// add allocates the next id and registers the connection built for it under
// one lock, so ids never repeat within the table's lifetime.
func (t *ConnTable) add(build func(id uint32) *Conn) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	c := build(id)
	t.conns[id] = c
	return c
}

func (t *ConnTable) Get(id uint32) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

func (t *ConnTable) remove(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.conns[c.id]; ok && cur == c {
		delete(t.conns, c.id)
		return true
	}
	return false
}

func (t *ConnTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CloseAll closes every registered connection without notifying the remote
// and returns how many were closed.
func (t *ConnTable) CloseAll(reason string) int {
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.shutdown(reason, false)
	}
	return len(conns)
}
