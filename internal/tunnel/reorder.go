package tunnel

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrStaleFrame     = errors.New("tunnel: frame below next expected offset")
	ErrDuplicateFrame = errors.New("tunnel: duplicate frame")
)

// ReorderBuffer restores the single ordered server-to-client byte stream from
// frames that may arrive out of order across concurrent round-trips.
//
// Frame sequence numbers are 32-bit byte offsets; they are widened against
// the next expected offset so the stream may exceed 4 GiB as long as no
// frame is more than 2 GiB ahead.
type ReorderBuffer struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64][]byte
	acks    *AckPool
	deliver func([]byte)
}

// NewReorderBuffer returns a buffer expecting offset 0. deliver is invoked
// under the buffer lock, in stream order, once per contiguous frame.
func NewReorderBuffer(acks *AckPool, deliver func([]byte)) *ReorderBuffer {
	return &ReorderBuffer{
		pending: make(map[uint64][]byte),
		acks:    acks,
		deliver: deliver,
	}
}

// Put stores payload at offset sn and drains every contiguous frame. An
// accepted frame queues token for acknowledgement. Empty payloads are ignored.
func (b *ReorderBuffer) Put(sn uint32, payload []byte, token uint64) error {
	if len(payload) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	delta := int32(sn - uint32(b.next))
	if delta < 0 {
		return fmt.Errorf("%w: sn %d next %d", ErrStaleFrame, sn, b.next)
	}
	off := b.next + uint64(delta)
	end := off + uint64(len(payload))
	for x, p := range b.pending {
		if off < x+uint64(len(p)) && x < end {
			return fmt.Errorf("%w: sn %d overlaps pending frame at %d", ErrDuplicateFrame, sn, x)
		}
	}
	b.pending[off] = payload
	if b.acks != nil {
		b.acks.Put(token)
	}
	b.drainLocked()
	return nil
}

// Drain delivers every frame that is now contiguous and returns the number
// of bytes delivered.
func (b *ReorderBuffer) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

func (b *ReorderBuffer) drainLocked() int {
	n := 0
	for {
		p, ok := b.pending[b.next]
		if !ok {
			return n
		}
		delete(b.pending, b.next)
		b.next += uint64(len(p))
		n += len(p)
		if b.deliver != nil {
			b.deliver(p)
		}
	}
}

// Next returns the next expected stream offset.
func (b *ReorderBuffer) Next() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Pending returns the number of frames waiting for a gap to fill.
func (b *ReorderBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
