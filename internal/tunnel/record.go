package tunnel

import (
	"encoding/binary"
	"fmt"
)

// Record types multiplexed inside the upload and download streams.
const (
	recordControl byte = 1
	recordData    byte = 2
)

// Control commands carried by a control record.
const (
	cmdOpen      byte = 0
	cmdClose     byte = 2
	cmdWindowAck byte = 3
)

const (
	recordHeaderLen  = 1 + 4 + 4
	controlHeaderLen = 4 + 1

	// maxRecordLen bounds a single record body; anything larger means the
	// stream is corrupt.
	maxRecordLen = 64 << 20
)

// record is one demultiplexed unit: type | length | conn id | body.
type record struct {
	typ    byte
	connID uint32
	body   []byte
}

func appendRecord(dst []byte, typ byte, connID uint32, body []byte) []byte {
	dst = append(dst, typ)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	dst = binary.BigEndian.AppendUint32(dst, connID)
	return append(dst, body...)
}

func dataRecord(connID uint32, data []byte) []byte {
	return appendRecord(make([]byte, 0, recordHeaderLen+len(data)), recordData, connID, data)
}

func controlRecord(connID, seq uint32, cmd byte, args []byte) []byte {
	body := make([]byte, 0, controlHeaderLen+len(args))
	body = binary.BigEndian.AppendUint32(body, seq)
	body = append(body, cmd)
	body = append(body, args...)
	return appendRecord(make([]byte, 0, recordHeaderLen+len(body)), recordControl, connID, body)
}

// openArgs encodes sockType | hostLen | host | port.
func openArgs(host string, port uint16) []byte {
	b := make([]byte, 0, 1+2+len(host)+2)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint16(b, uint16(len(host)))
	b = append(b, host...)
	return binary.BigEndian.AppendUint16(b, port)
}

func parseOpenArgs(args []byte) (host string, port uint16, err error) {
	rd := reader{buf: args}
	rd.u8()
	host = string(rd.string16())
	port = rd.u16()
	return host, port, rd.err
}

func windowAckArgs(pos uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, pos)
}

func parseControl(body []byte) (seq uint32, cmd byte, args []byte, err error) {
	if len(body) < controlHeaderLen {
		return 0, 0, nil, fmt.Errorf("%w: control record %d bytes", ErrShortFrame, len(body))
	}
	return binary.BigEndian.Uint32(body), body[4], body[controlHeaderLen:], nil
}

// recordSplitter turns an ordered byte stream into records. Records may span
// frame boundaries, so incomplete tails are carried to the next feed.
type recordSplitter struct {
	carry []byte
}

func (s *recordSplitter) feed(data []byte, fn func(record)) error {
	buf := data
	if len(s.carry) > 0 {
		buf = append(s.carry, data...)
		s.carry = nil
	}
	for len(buf) >= recordHeaderLen {
		n := binary.BigEndian.Uint32(buf[1:5])
		if n > maxRecordLen {
			return fmt.Errorf("%w: record length %d", ErrFieldSize, n)
		}
		end := recordHeaderLen + int(n)
		if len(buf) < end {
			break
		}
		fn(record{
			typ:    buf[0],
			connID: binary.BigEndian.Uint32(buf[5:9]),
			body:   buf[recordHeaderLen:end],
		})
		buf = buf[end:]
	}
	if len(buf) > 0 {
		s.carry = append([]byte(nil), buf...)
	}
	return nil
}

func (s *recordSplitter) pending() int { return len(s.carry) }
