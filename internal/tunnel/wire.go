// Package tunnel implements the X-Tunnel session multiplexer: many logical
// TCP-like streams carried over repeated HTTP request/response round-trips.
package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	frameMagic      byte = 'P'
	ProtocolVersion byte = 2

	packetLogin byte = 1
	packetData  byte = 2
	packetError byte = 3

	SessionIDLen = 8
)

// Error codes carried by a type 3 data response.
const (
	CodeNoQuota        uint8 = 1
	CodeUnpackError    uint8 = 2
	CodeSessionUnknown uint8 = 3
)

var (
	ErrShortFrame = errors.New("tunnel: short frame")
	ErrBadMagic   = errors.New("tunnel: bad magic or version")
	ErrBadPacket  = errors.New("tunnel: unexpected packet type")
	ErrFieldSize  = errors.New("tunnel: field too large")
)

// SessionID is the opaque token identifying a session to the remote endpoint.
type SessionID [SessionIDLen]byte

func (id SessionID) IsZero() bool { return id == SessionID{} }

func (id SessionID) String() string { return string(id[:]) }

// LoginRequest is the body POSTed to the login path.
type LoginRequest struct {
	SessionID  SessionID
	MaxPayload uint32
	SendDelay  time.Duration
	WindowSize uint32
	WindowAck  uint32
	Account    string
	Password   string
	ExtraInfo  []byte
}

func (r *LoginRequest) MarshalBinary() ([]byte, error) {
	delay := r.SendDelay / time.Millisecond
	if delay > 0xffff {
		delay = 0xffff
	}
	b := make([]byte, 0, 3+SessionIDLen+18+len(r.Account)+len(r.Password)+len(r.ExtraInfo)+6)
	b = append(b, frameMagic, ProtocolVersion, packetLogin)
	b = append(b, r.SessionID[:]...)
	b = binary.BigEndian.AppendUint32(b, r.MaxPayload)
	b = binary.BigEndian.AppendUint16(b, uint16(delay))
	b = binary.BigEndian.AppendUint32(b, r.WindowSize)
	b = binary.BigEndian.AppendUint32(b, r.WindowAck)
	var err error
	for _, field := range [][]byte{[]byte(r.Account), []byte(r.Password), r.ExtraInfo} {
		if b, err = appendString16(b, field); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (r *LoginRequest) UnmarshalBinary(data []byte) error {
	rd := reader{buf: data}
	if err := rd.header(packetLogin); err != nil {
		return err
	}
	copy(r.SessionID[:], rd.bytes(SessionIDLen))
	r.MaxPayload = rd.u32()
	r.SendDelay = time.Duration(rd.u16()) * time.Millisecond
	r.WindowSize = rd.u32()
	r.WindowAck = rd.u32()
	r.Account = string(rd.string16())
	r.Password = string(rd.string16())
	r.ExtraInfo = rd.string16()
	return rd.err
}

// LoginResponse carries the login result; Result 0 means success.
type LoginResponse struct {
	Result  uint8
	Message string
}

func (r *LoginResponse) MarshalBinary() ([]byte, error) {
	b := []byte{frameMagic, ProtocolVersion, packetLogin, r.Result}
	return appendString16(b, []byte(r.Message))
}

func (r *LoginResponse) UnmarshalBinary(data []byte) error {
	rd := reader{buf: data}
	if err := rd.header(packetLogin); err != nil {
		return err
	}
	r.Result = rd.u8()
	r.Message = string(rd.string16())
	return rd.err
}

// DataRequest is the body of one round-trip.
type DataRequest struct {
	SessionID     SessionID
	TransferID    uint64
	UploadSN      uint32
	ServerTimeout uint8
	Upload        []byte
	Acks          []byte
}

func (r *DataRequest) MarshalBinary() ([]byte, error) {
	if len(r.Acks) > 0xffff {
		return nil, fmt.Errorf("%w: ack payload %d bytes", ErrFieldSize, len(r.Acks))
	}
	b := make([]byte, 0, dataRequestHeaderLen+len(r.Upload)+len(r.Acks))
	b = append(b, frameMagic, ProtocolVersion, packetData)
	b = append(b, r.SessionID[:]...)
	b = binary.BigEndian.AppendUint64(b, r.TransferID)
	b = binary.BigEndian.AppendUint32(b, r.UploadSN)
	b = append(b, r.ServerTimeout)
	b = binary.BigEndian.AppendUint32(b, uint32(len(r.Upload)))
	b = binary.BigEndian.AppendUint16(b, uint16(len(r.Acks)))
	b = append(b, r.Upload...)
	return append(b, r.Acks...), nil
}

const dataRequestHeaderLen = 3 + SessionIDLen + 8 + 4 + 1 + 4 + 2

func (r *DataRequest) UnmarshalBinary(data []byte) error {
	rd := reader{buf: data}
	if err := rd.header(packetData); err != nil {
		return err
	}
	copy(r.SessionID[:], rd.bytes(SessionIDLen))
	r.TransferID = rd.u64()
	r.UploadSN = rd.u32()
	r.ServerTimeout = rd.u8()
	upLen := rd.u32()
	ackLen := rd.u16()
	r.Upload = rd.bytes(int(upLen))
	r.Acks = rd.bytes(int(ackLen))
	return rd.err
}

// DataResponse is either a data frame (Type 2) or an error report (Type 3).
type DataResponse struct {
	Type        byte
	ServerSN    uint32
	ProcessTime time.Duration
	Payload     []byte

	Code    uint8
	Message string
}

func (r *DataResponse) IsError() bool { return r.Type == packetError }

func (r *DataResponse) MarshalBinary() ([]byte, error) {
	b := []byte{frameMagic, ProtocolVersion, r.Type}
	switch r.Type {
	case packetData:
		b = binary.BigEndian.AppendUint32(b, r.ServerSN)
		b = binary.BigEndian.AppendUint32(b, uint32(r.ProcessTime/time.Millisecond))
		return append(b, r.Payload...), nil
	case packetError:
		b = append(b, r.Code)
		return appendString16(b, []byte(r.Message))
	}
	return nil, fmt.Errorf("%w: %d", ErrBadPacket, r.Type)
}

func (r *DataResponse) UnmarshalBinary(data []byte) error {
	rd := reader{buf: data}
	if err := rd.header(0); err != nil {
		return err
	}
	r.Type = rd.typ
	switch r.Type {
	case packetData:
		r.ServerSN = rd.u32()
		r.ProcessTime = time.Duration(rd.u32()) * time.Millisecond
		r.Payload = rd.rest()
	case packetError:
		r.Code = rd.u8()
		r.Message = string(rd.string16())
	default:
		return fmt.Errorf("%w: %d", ErrBadPacket, r.Type)
	}
	return rd.err
}

func appendString16(b, s []byte) ([]byte, error) {
	if len(s) > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrFieldSize, len(s))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

// reader walks a frame; the first short read latches err and every later
// accessor returns zero values.
type reader struct {
	buf []byte
	off int
	typ byte
	err error
}

// header checks magic and version. want 0 accepts any packet type.
func (r *reader) header(want byte) error {
	h := r.bytes(3)
	if r.err != nil {
		return r.err
	}
	if h[0] != frameMagic || h[1] != ProtocolVersion {
		r.err = fmt.Errorf("%w: % x", ErrBadMagic, h[:2])
		return r.err
	}
	r.typ = h[2]
	if want != 0 && r.typ != want {
		r.err = fmt.Errorf("%w: got %d want %d", ErrBadPacket, r.typ, want)
	}
	return r.err
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = ErrShortFrame
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

func (r *reader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) string16() []byte {
	return r.bytes(int(r.u16()))
}
