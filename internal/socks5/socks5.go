// Package socks5 implements the local SOCKS5 front end (RFC 1928, RFC 1929).
// Accepted CONNECT requests are handed, socket and all, to the tunnel.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"xtunnel/internal/metrics"
)

const (
	version5 = 0x05

	authNone     = 0x00
	authUserPass = 0x02
	authNoMatch  = 0xFF

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess          = 0x00
	repGeneralFailure   = 0x01
	repNotAllowed       = 0x02
	repCmdNotSupported  = 0x07
	repAddrNotSupported = 0x08

	handshakeTimeout = 30 * time.Second
)

var errAuthFailed = errors.New("auth failed")

// ConnectFunc takes ownership of conn once the client has been told the
// CONNECT succeeded. A returned error closes conn.
type ConnectFunc func(conn net.Conn, host string, port uint16) error

// Server is a SOCKS5 acceptor.
type Server struct {
	Username string
	Password string
	Connect  ConnectFunc

	// Limiter blocks peers after repeated auth failures. Nil disables it.
	Limiter *PeerLimiter
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("socks5 listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Printf("socks5 accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	if s.Limiter != nil && s.Limiter.IsLimited(conn) {
		metrics.IncSocks("rejected")
		conn.Close()
		return
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := s.negotiate(conn); err != nil {
		if errors.Is(err, errAuthFailed) {
			metrics.IncSocks("auth_failed")
			if s.Limiter != nil {
				s.Limiter.RecordFailure(conn)
			}
			conn.Write([]byte{0x01, 0x01})
		}
		conn.Close()
		return
	}
	if s.Limiter != nil {
		s.Limiter.Clear(conn)
	}

	cmd, host, port, err := s.readRequest(conn)
	if err != nil {
		conn.Close()
		return
	}

	switch cmd {
	case cmdConnect:
		s.handleConnect(conn, host, port)
	default:
		// BIND and UDP ASSOCIATE cannot be carried by the tunnel.
		s.sendReply(conn, repCmdNotSupported)
		metrics.IncSocks("unsupported")
		conn.Close()
	}
}

func (s *Server) negotiate(conn net.Conn) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if buf[0] != version5 {
		return fmt.Errorf("unsupported version %d", buf[0])
	}
	methods := make([]byte, int(buf[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	want := byte(authNone)
	if s.Username != "" {
		want = authUserPass
	}
	found := false
	for _, m := range methods {
		if m == want {
			found = true
			break
		}
	}
	if !found {
		conn.Write([]byte{version5, authNoMatch})
		return fmt.Errorf("no acceptable auth method")
	}
	if _, err := conn.Write([]byte{version5, want}); err != nil {
		return err
	}
	if want == authUserPass {
		return s.authenticateUserPass(conn)
	}
	return nil
}

func (s *Server) authenticateUserPass(conn net.Conn) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	uname := make([]byte, int(buf[1]))
	if _, err := io.ReadFull(conn, uname); err != nil {
		return err
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return err
	}
	passwd := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(conn, passwd); err != nil {
		return err
	}

	if string(uname) == s.Username && string(passwd) == s.Password {
		_, err := conn.Write([]byte{0x01, 0x00})
		return err
	}
	return errAuthFailed
}

func (s *Server) readRequest(conn net.Conn) (cmd byte, host string, port uint16, err error) {
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	buf := make([]byte, 4)
	if _, err = io.ReadFull(conn, buf); err != nil {
		return
	}
	if buf[0] != version5 {
		err = fmt.Errorf("unsupported version %d", buf[0])
		return
	}
	cmd = buf[1]

	switch atyp := buf[3]; atyp {
	case atypIPv4, atypIPv6:
		addr := make([]byte, net.IPv4len)
		if atyp == atypIPv6 {
			addr = make([]byte, net.IPv6len)
		}
		if _, err = io.ReadFull(conn, addr); err != nil {
			return
		}
		host = net.IP(addr).String()
	case atypDomain:
		l := make([]byte, 1)
		if _, err = io.ReadFull(conn, l); err != nil {
			return
		}
		domain := make([]byte, int(l[0]))
		if _, err = io.ReadFull(conn, domain); err != nil {
			return
		}
		host = string(domain)
	default:
		s.sendReply(conn, repAddrNotSupported)
		err = fmt.Errorf("unsupported address type %d", atyp)
		return
	}

	p := make([]byte, 2)
	if _, err = io.ReadFull(conn, p); err != nil {
		return
	}
	port = binary.BigEndian.Uint16(p)
	return
}

func (s *Server) handleConnect(conn net.Conn, host string, port uint16) {
	if s.Connect == nil || host == "" || port == 0 {
		s.sendReply(conn, repNotAllowed)
		metrics.IncSocks("rejected")
		conn.Close()
		return
	}
	if err := s.sendReply(conn, repSuccess); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	if err := s.Connect(conn, host, port); err != nil {
		log.Printf("socks5 connect %s failed: %v", net.JoinHostPort(host, fmt.Sprint(port)), err)
		metrics.IncSocks("error")
		conn.Close()
		return
	}
	metrics.IncSocks("connect")
}

// sendReply answers with a zero bind address; the tunnel has no meaningful
// local endpoint to report.
func (s *Server) sendReply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{version5, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
