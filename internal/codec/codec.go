// Package codec provides the optional whole-body transforms applied to
// tunnel requests and responses: compression followed by encryption.
package codec

import (
	"fmt"
	"strings"
)

// Stage is one reversible body transform.
type Stage interface {
	Encode(plain []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Options selects the stages of a Chain. Empty strings disable a stage.
type Options struct {
	Compress string // "", "lz4", "zlib"
	Cipher   string // "", "chacha20poly1305", "aes-256-gcm"
	Password string
}

// Chain applies its stages in order on Encode and in reverse on Decode.
type Chain struct {
	stages []Stage
}

// New builds a Chain from opts. It returns nil when no stage is enabled so
// callers can skip the transform entirely.
func New(opts Options) (*Chain, error) {
	var stages []Stage
	switch strings.ToLower(opts.Compress) {
	case "", "none", "off":
	case "lz4":
		stages = append(stages, LZ4{})
	case "zlib":
		stages = append(stages, Zlib{})
	default:
		return nil, fmt.Errorf("codec: unknown compression %q", opts.Compress)
	}
	switch strings.ToLower(opts.Cipher) {
	case "", "none", "off":
	default:
		c, err := NewCipher(opts.Cipher, opts.Password)
		if err != nil {
			return nil, err
		}
		stages = append(stages, c)
	}
	if len(stages) == 0 {
		return nil, nil
	}
	return &Chain{stages: stages}, nil
}

func (c *Chain) Encode(plain []byte) ([]byte, error) {
	out := plain
	for _, s := range c.stages {
		var err error
		if out, err = s.Encode(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Chain) Decode(data []byte) ([]byte, error) {
	out := data
	for i := len(c.stages) - 1; i >= 0; i-- {
		var err error
		if out, err = c.stages[i].Decode(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
