package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

var ErrCorrupt = errors.New("codec: corrupt compressed body")

const (
	flagStored     byte = 0
	flagCompressed byte = 1

	// maxBody caps the declared size of a decompressed body.
	maxBody = 64 << 20
)

// LZ4 compresses with LZ4 blocks: flag | rawLen u32 | block. Bodies that do
// not shrink are stored as is.
type LZ4 struct{}

func (LZ4) Encode(plain []byte) ([]byte, error) {
	out := make([]byte, 5+lz4.CompressBlockBound(len(plain)))
	n, err := lz4.CompressBlock(plain, out[5:], nil)
	if err != nil || n == 0 || n >= len(plain) {
		return stored(plain), nil
	}
	out[0] = flagCompressed
	binary.BigEndian.PutUint32(out[1:5], uint32(len(plain)))
	return out[:5+n], nil
}

func (LZ4) Decode(data []byte) ([]byte, error) {
	flag, size, body, err := splitHeader(data)
	if err != nil || flag == flagStored {
		return body, err
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != len(dst) {
		return nil, fmt.Errorf("%w: got %d bytes want %d", ErrCorrupt, n, size)
	}
	return dst, nil
}

// Zlib compresses with klauspost's zlib at the default level, framed like
// LZ4.
type Zlib struct{}

func (Zlib) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{flagCompressed, 0, 0, 0, 0})
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if buf.Len()-5 >= len(plain) {
		return stored(plain), nil
	}
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[1:5], uint32(len(plain)))
	return out, nil
}

func (Zlib) Decode(data []byte) ([]byte, error) {
	flag, size, body, err := splitHeader(data)
	if err != nil || flag == flagStored {
		return body, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()
	out := make([]byte, 0, size)
	w := bytes.NewBuffer(out)
	if _, err := io.Copy(w, io.LimitReader(zr, int64(size)+1)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if w.Len() != size {
		return nil, fmt.Errorf("%w: got %d bytes want %d", ErrCorrupt, w.Len(), size)
	}
	return w.Bytes(), nil
}

func stored(plain []byte) []byte {
	out := make([]byte, 5+len(plain))
	out[0] = flagStored
	binary.BigEndian.PutUint32(out[1:5], uint32(len(plain)))
	copy(out[5:], plain)
	return out
}

func splitHeader(data []byte) (flag byte, size int, body []byte, err error) {
	if len(data) < 5 {
		return 0, 0, nil, fmt.Errorf("%w: %d byte body", ErrCorrupt, len(data))
	}
	flag = data[0]
	size = int(binary.BigEndian.Uint32(data[1:5]))
	body = data[5:]
	switch {
	case flag != flagStored && flag != flagCompressed:
		return 0, 0, nil, fmt.Errorf("%w: flag %d", ErrCorrupt, flag)
	case size > maxBody:
		return 0, 0, nil, fmt.Errorf("%w: declared size %d", ErrCorrupt, size)
	case flag == flagStored && size != len(body):
		return 0, 0, nil, fmt.Errorf("%w: stored size mismatch", ErrCorrupt)
	}
	return flag, size, body, nil
}
