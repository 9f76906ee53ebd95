package tunnel

import (
	"sync"
	"time"
)

// WaitForever makes UploadQueue.Get block until data arrives, a wake-up is
// requested, or the queue stops.
const WaitForever time.Duration = -1

// UploadQueue batches outbound records from every logical connection. Blocks
// keep submission order; each non-empty batch gets the next sequence number.
type UploadQueue struct {
	mu        sync.Mutex
	blocks    [][]byte
	size      int
	nextSN    uint32
	maxBatch  int
	sendDelay time.Duration

	// ready is set once queued data should go out: an urgent put, a full
	// batch, or the send delay elapsing.
	ready   bool
	delay   *time.Timer
	kicks   int
	waiting int
	stopped bool
	notify  chan struct{}
}

func NewUploadQueue(maxBatch int, sendDelay time.Duration) *UploadQueue {
	if maxBatch <= 0 {
		maxBatch = 128 * 1024
	}
	return &UploadQueue{
		maxBatch:  maxBatch,
		sendDelay: sendDelay,
		notify:    make(chan struct{}),
	}
}

// Put appends block. Urgent blocks wake a waiting worker at once; others may
// sit for up to the send delay so more data can share the round-trip.
func (q *UploadQueue) Put(block []byte, urgent bool) {
	if len(block) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.blocks = append(q.blocks, block)
	q.size += len(block)

	switch {
	case urgent, q.sendDelay <= 0, q.size >= q.maxBatch:
		q.markReadyLocked()
	case q.delay == nil && !q.ready:
		q.delay = time.AfterFunc(q.sendDelay, q.flush)
	}
}

func (q *UploadQueue) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delay = nil
	if len(q.blocks) > 0 {
		q.markReadyLocked()
	}
}

func (q *UploadQueue) markReadyLocked() {
	if q.delay != nil {
		q.delay.Stop()
		q.delay = nil
	}
	q.ready = true
	q.broadcastLocked()
}

func (q *UploadQueue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Get returns the next batch and its sequence number. A zero timeout never
// blocks; WaitForever blocks until data is ready. An empty batch has sequence
// number 0.
func (q *UploadQueue) Get(timeout time.Duration) ([]byte, uint32) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.stopped {
			return nil, 0
		}
		if len(q.blocks) > 0 && (q.ready || timeout == 0) {
			return q.takeLocked()
		}
		if q.kicks > 0 {
			q.kicks--
			return nil, 0
		}
		if timeout == 0 {
			return nil, 0
		}

		ch := q.notify
		q.waiting++
		q.mu.Unlock()
		timedOut := false
		select {
		case <-ch:
		case <-expired:
			timedOut = true
		}
		q.mu.Lock()
		q.waiting--
		if timedOut {
			if q.stopped || len(q.blocks) == 0 {
				return nil, 0
			}
			return q.takeLocked()
		}
	}
}

func (q *UploadQueue) takeLocked() ([]byte, uint32) {
	n, total := 0, 0
	for _, b := range q.blocks {
		if n > 0 && total+len(b) > q.maxBatch {
			break
		}
		total += len(b)
		n++
	}
	var batch []byte
	if n == 1 {
		batch = q.blocks[0]
	} else {
		batch = make([]byte, 0, total)
		for _, b := range q.blocks[:n] {
			batch = append(batch, b...)
		}
	}
	for i := 0; i < n; i++ {
		q.blocks[i] = nil
	}
	q.blocks = q.blocks[n:]
	q.size -= total
	if len(q.blocks) == 0 {
		q.blocks = nil
		q.ready = false
	} else if q.ready {
		// More ready data; let another waiter take it.
		q.broadcastLocked()
	}
	q.nextSN++
	return batch, q.nextSN
}

// Wake releases up to n blocked Get calls with an empty batch so those
// workers can re-evaluate and poll for downstream data.
func (q *UploadQueue) Wake(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.waiting-q.kicks {
		n = q.waiting - q.kicks
	}
	if n <= 0 {
		return
	}
	q.kicks += n
	q.broadcastLocked()
}

// Stop releases every waiter and discards queued data.
func (q *UploadQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	if q.delay != nil {
		q.delay.Stop()
		q.delay = nil
	}
	q.blocks = nil
	q.size = 0
	q.broadcastLocked()
}

// Len returns the number of queued blocks.
func (q *UploadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks)
}

// Size returns the number of queued bytes.
func (q *UploadQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Waiting returns how many Get calls are blocked.
func (q *UploadQueue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting
}
