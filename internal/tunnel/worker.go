package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"xtunnel/internal/metrics"
)

// maxHandoffs is how many times a failing transfer that carries upload bytes
// is passed to another worker before the session is reset.
const maxHandoffs = 2

// generation is everything that lives for exactly one Start..Stop cycle.
type generation struct {
	s   *Session
	id  SessionID
	cfg Config

	queue   *UploadQueue
	acks    *AckPool
	reorder *ReorderBuffer
	conns   *ConnTable
	split   recordSplitter // only touched from deliver, under the reorder lock

	running     atomic.Bool
	resetWanted atomic.Bool
	quit        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     time.Time
	epoch       uint64

	mu           sync.Mutex
	nextTransfer uint64
	inFlight     int
	target       int
	retries      []*transfer

	lastRoundtrip atomic.Int64
	lastDownload  atomic.Int64
}

type transfer struct {
	req      DataRequest
	attempts int
	handoffs int
}

type outcome int

const (
	carryOn outcome = iota
	needReset
	needStop
)

func newGeneration(s *Session, id SessionID) *generation {
	g := &generation{
		s:       s,
		id:      id,
		cfg:     s.cfg,
		queue:   NewUploadQueue(s.cfg.MaxPayload, s.cfg.SendDelay),
		acks:    NewAckPool(),
		conns:   NewConnTable(),
		quit:    make(chan struct{}),
		started: time.Now(),
		target:  s.cfg.MinOnRoad,
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.reorder = NewReorderBuffer(g.acks, g.deliver)
	return g
}

func (g *generation) start() {
	g.running.Store(true)
	g.wg.Add(g.cfg.Concurrency)
	for i := 0; i < g.cfg.Concurrency; i++ {
		go g.runWorker()
	}
}

// runWorker leaves the wait group before acting on a fatal outcome, so the
// stop it triggers never waits on the worker that asked for it.
func (g *generation) runWorker() {
	out, cause := g.work()
	g.wg.Done()
	switch out {
	case needReset:
		g.s.resetFrom(g, cause)
	case needStop:
		g.s.stopFrom(g, cause)
	}
}

func (g *generation) work() (outcome, error) {
	for g.running.Load() {
		tr := g.next()
		if tr == nil {
			continue
		}
		if out, err := g.roundTrip(tr); out != carryOn {
			return out, err
		}
		if g.resetWanted.Load() {
			return needReset, errors.New("remote connection limit reached")
		}
	}
	return carryOn, nil
}

// next returns the transfer this worker should send: a handed-off retry
// first, otherwise a new batch from the upload queue. It returns nil once the
// generation stops.
func (g *generation) next() *transfer {
	g.mu.Lock()
	if len(g.retries) > 0 {
		tr := g.retries[0]
		g.retries[0] = nil
		g.retries = g.retries[1:]
		g.inFlight++
		g.mu.Unlock()
		tr.req.ServerTimeout = 0
		return tr
	}
	snap := g.snapshotLocked()
	g.mu.Unlock()

	upload, sn := g.queue.Get(uploadWait(snap))
	if !g.running.Load() {
		return nil
	}
	acks := g.acks.Get()

	g.mu.Lock()
	g.nextTransfer++
	g.inFlight++
	id := g.nextTransfer
	snap = g.snapshotLocked()
	g.mu.Unlock()
	metrics.SetInFlight(snap.InFlight)

	return &transfer{req: DataRequest{
		SessionID:     g.id,
		TransferID:    id,
		UploadSN:      sn,
		ServerTimeout: serverTimeout(snap, g.cfg.RoundtripTimeout, false),
		Upload:        upload,
		Acks:          acks,
	}}
}

func (g *generation) snapshotLocked() loadSnapshot {
	return loadSnapshot{
		InFlight:          g.inFlight,
		Concurrency:       g.cfg.Concurrency,
		Connections:       g.conns.Len(),
		QueueDepth:        g.queue.Len(),
		SinceLastDownload: time.Since(time.Unix(0, g.lastDownload.Load())),
		MinOnRoad:         g.cfg.MinOnRoad,
		TargetOnRoad:      g.target,
	}
}

func (g *generation) snapshot() loadSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *generation) roundTrip(tr *transfer) (outcome, error) {
	defer func() {
		g.mu.Lock()
		g.inFlight--
		n := g.inFlight
		g.mu.Unlock()
		metrics.SetInFlight(n)
	}()

	path := g.cfg.DataPath + "?tid=" + strconv.FormatUint(tr.req.TransferID, 10)
	for g.running.Load() {
		body, err := tr.req.MarshalBinary()
		if err == nil {
			body, err = g.s.encode(body)
		}
		if err != nil {
			log.Printf("tunnel: transfer %d encode: %v", tr.req.TransferID, err)
			return carryOn, nil
		}

		timeout := time.Duration(tr.req.ServerTimeout)*time.Second + g.cfg.NetworkTimeout
		ctx, cancel := context.WithTimeout(g.ctx, timeout)
		start := time.Now()
		status, resp, err := g.s.transport.Post(ctx, path, body)
		cancel()
		if err != nil && g.ctx.Err() != nil {
			break
		}
		g.lastRoundtrip.Store(time.Now().UnixNano())
		g.s.roundtrips.Add(1)
		g.s.uploadBytes.Add(uint64(len(body)))
		g.s.downloadBytes.Add(uint64(len(resp)))
		metrics.ObserveRoundtrip(time.Since(start), err == nil && status == 200)
		metrics.AddTraffic(len(body), len(resp))

		if err == nil {
			out, retry, herr := g.handleResponse(tr, status, resp)
			if !retry {
				return out, herr
			}
			err = herr
		} else if errors.Is(err, context.DeadlineExceeded) {
			g.s.timeouts.Add(1)
		}

		tr.attempts++
		g.s.retries.Add(1)
		metrics.IncRetries()
		g.debugf("transfer %d attempt %d failed: %v", tr.req.TransferID, tr.attempts, err)
		if !g.cfg.Retry.ShouldRetry(tr.attempts) {
			return g.giveUp(tr, err)
		}
		tr.req.ServerTimeout = 0
		if !sleep(g.cfg.Retry.Backoff(tr.attempts), g.quit) {
			break
		}
	}
	return carryOn, nil
}

// giveUp handles a transfer that exhausted its retries on this worker. A
// bare poll is dropped after its ack tokens go back to the pool for the next
// request; one carrying upload bytes goes to another worker,
// and when that keeps failing the session is rebuilt because the upload
// stream can no longer be completed.
func (g *generation) giveUp(tr *transfer, err error) (outcome, error) {
	if len(tr.req.Upload) == 0 {
		g.acks.PutBack(tr.req.Acks)
		g.debugf("transfer %d abandoned: %v", tr.req.TransferID, err)
		return carryOn, nil
	}
	if tr.handoffs >= maxHandoffs {
		return needReset, fmt.Errorf("transfer %d undeliverable: %w", tr.req.TransferID, err)
	}
	tr.handoffs++
	tr.attempts = 0
	g.mu.Lock()
	g.retries = append(g.retries, tr)
	g.mu.Unlock()
	log.Printf("tunnel: transfer %d handed off after error: %v", tr.req.TransferID, err)
	return carryOn, nil
}

// handleResponse interprets one HTTP reply. retry reports that the
// transfer should be sent again.
func (g *generation) handleResponse(tr *transfer, status int, body []byte) (out outcome, retry bool, err error) {
	switch status {
	case 200:
	case statusSessionUnknown:
		return needReset, false, ErrSessionUnknown
	case statusServerDown:
		return needStop, false, ErrServerDown
	default:
		return carryOn, true, fmt.Errorf("http status %d", status)
	}

	plain, err := g.s.decode(body)
	if err != nil {
		metrics.IncProtocolErrors()
		return carryOn, true, fmt.Errorf("decode body: %w", err)
	}
	var resp DataResponse
	if err := resp.UnmarshalBinary(plain); err != nil {
		metrics.IncProtocolErrors()
		return carryOn, true, err
	}
	if resp.IsError() {
		switch resp.Code {
		case CodeNoQuota:
			return needStop, false, ErrQuotaExhausted
		case CodeSessionUnknown:
			return needReset, false, ErrSessionUnknown
		default:
			return carryOn, true, fmt.Errorf("server error %d: %s", resp.Code, resp.Message)
		}
	}
	g.receive(tr, &resp)
	return carryOn, false, nil
}

func (g *generation) receive(tr *transfer, resp *DataResponse) {
	if len(resp.Payload) == 0 {
		g.adjustTarget(-5)
		return
	}
	g.lastDownload.Store(time.Now().UnixNano())
	if err := g.reorder.Put(resp.ServerSN, resp.Payload, tr.req.TransferID); err != nil {
		metrics.IncProtocolErrors()
		log.Printf("tunnel: transfer %d: %v", tr.req.TransferID, err)
		return
	}
	if len(resp.Payload) >= g.cfg.MaxPayload/2 {
		g.adjustTarget(10)
	}
	if n := extraReaders(g.snapshot(), g.queue.Waiting()); n > 0 {
		g.queue.Wake(n)
	}
}

func (g *generation) adjustTarget(delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.target += delta
	if g.target > g.cfg.Concurrency {
		g.target = g.cfg.Concurrency
	}
	if g.target < g.cfg.MinOnRoad {
		g.target = g.cfg.MinOnRoad
	}
}

// deliver receives the ordered downstream stream from the reorder buffer.
func (g *generation) deliver(p []byte) {
	if err := g.split.feed(p, g.dispatch); err != nil {
		metrics.IncProtocolErrors()
		log.Printf("tunnel: session %s: corrupt downstream: %v", g.id, err)
		g.split = recordSplitter{}
	}
}

func (g *generation) dispatch(r record) {
	c := g.conns.Get(r.connID)
	switch r.typ {
	case recordData:
		if c == nil {
			g.debugf("drop %d bytes for unknown conn %d", len(r.body), r.connID)
			return
		}
		c.PutInboundData(r.body)
	case recordControl:
		_, cmd, args, err := parseControl(r.body)
		if err != nil {
			metrics.IncProtocolErrors()
			log.Printf("tunnel: conn %d: %v", r.connID, err)
			return
		}
		switch cmd {
		case cmdClose:
			reason := string(args)
			if reason == reasonMaxConn {
				g.resetWanted.Store(true)
			}
			if c != nil {
				c.remoteClose(reason)
			}
		case cmdWindowAck:
			if len(args) < 8 {
				metrics.IncProtocolErrors()
				log.Printf("tunnel: conn %d: short window ack", r.connID)
				return
			}
			if c != nil {
				c.windowAcked(binary.BigEndian.Uint64(args))
			}
		default:
			g.debugf("conn %d: ignoring control command %d", r.connID, cmd)
		}
	default:
		metrics.IncProtocolErrors()
		log.Printf("tunnel: conn %d: unknown record type %d", r.connID, r.typ)
	}
}

// SendData queues a data record for connID.
func (g *generation) SendData(connID uint32, data []byte) error {
	if !g.running.Load() {
		return ErrNotRunning
	}
	g.queue.Put(dataRecord(connID, data), false)
	return nil
}

func (g *generation) put(block []byte, urgent bool) {
	g.queue.Put(block, urgent)
}

func (g *generation) forget(c *Conn) {
	if g.conns.remove(c) {
		metrics.DecConnections()
		g.debugf("conn %d closed: %s", c.id, c.CloseReason())
	}
}

func (g *generation) lastActivity() time.Time {
	if ns := g.lastRoundtrip.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return g.started
}

func (g *generation) debugf(format string, args ...any) {
	if g.cfg.Debug {
		log.Printf("tunnel: "+format, args...)
	}
}
