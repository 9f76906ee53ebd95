package tunnel

import (
	"encoding/binary"
	"sync"
)

// maxAckTokens keeps a serialized ack payload inside its u16 length field.
const maxAckTokens = 0xffff / 8

// AckPool collects ack tokens (ids of transfers that delivered new downstream
// bytes) until the next request carries them back to the remote endpoint.
type AckPool struct {
	mu     sync.Mutex
	tokens []uint64
}

func NewAckPool() *AckPool {
	return &AckPool{}
}

func (p *AckPool) Put(token uint64) {
	p.mu.Lock()
	p.tokens = append(p.tokens, token)
	p.mu.Unlock()
}

// PutBack requeues the tokens of a payload that never reached the remote,
// ahead of anything collected since.
func (p *AckPool) PutBack(payload []byte) {
	tokens := ParseAcks(payload)
	if len(tokens) == 0 {
		return
	}
	p.mu.Lock()
	p.tokens = append(tokens, p.tokens...)
	p.mu.Unlock()
}

// Get drains pending tokens into a payload of big-endian u64s. Tokens beyond
// one payload's capacity stay queued for the next call.
func (p *AckPool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tokens) == 0 {
		return nil
	}
	n := len(p.tokens)
	if n > maxAckTokens {
		n = maxAckTokens
	}
	out := make([]byte, 0, n*8)
	for _, t := range p.tokens[:n] {
		out = binary.BigEndian.AppendUint64(out, t)
	}
	p.tokens = append(p.tokens[:0], p.tokens[n:]...)
	return out
}

func (p *AckPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens)
}

func (p *AckPool) Reset() {
	p.mu.Lock()
	p.tokens = nil
	p.mu.Unlock()
}

// ParseAcks decodes a payload produced by Get.
func ParseAcks(b []byte) []uint64 {
	out := make([]uint64, 0, len(b)/8)
	for len(b) >= 8 {
		out = append(out, binary.BigEndian.Uint64(b))
		b = b[8:]
	}
	return out
}
