package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrAuth = errors.New("codec: message authentication failed")

const keyInfo = "xtunnel body key"

// Cipher seals each body with a fresh random nonce: nonce | ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from password with HKDF-SHA256.
func NewCipher(mode, password string) (*Cipher, error) {
	if password == "" {
		return nil, fmt.Errorf("codec: %s needs a password", mode)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(password), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("codec: derive key: %w", err)
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch mode {
	case "chacha20poly1305":
		aead, err = chacha20poly1305.New(key)
	case "aes-256-gcm", "aesgcm":
		block, err2 := aes.NewCipher(key)
		if err2 != nil {
			return nil, err2
		}
		aead, err = cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("codec: unsupported cipher %q", mode)
	}
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encode(plain []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	out := make([]byte, ns, ns+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return c.aead.Seal(out, out[:ns], plain, nil), nil
}

func (c *Cipher) Decode(data []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return nil, ErrAuth
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, ErrAuth
	}
	return plain, nil
}
