// Package tlsutil wraps connections in uTLS so the tunnel's TLS handshakes
// look like a mainstream browser's.
package tlsutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// DialFunc establishes the underlying TCP connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

var fingerprints = map[string]utls.ClientHelloID{
	"chrome":     utls.HelloChrome_Auto,
	"chrome_120": utls.HelloChrome_120,
	"firefox":    utls.HelloFirefox_Auto,
	"safari":     utls.HelloSafari_Auto,
	"ios":        utls.HelloIOS_Auto,
	"edge":       utls.HelloEdge_Auto,
	"random":     utls.HelloRandomized,
	"golang":     utls.HelloGolang,
}

// HelloID maps a fingerprint name to a uTLS hello. Unknown names fall back
// to Chrome.
func HelloID(name string) utls.ClientHelloID {
	if id, ok := fingerprints[strings.ToLower(strings.TrimSpace(name))]; ok {
		return id
	}
	return utls.HelloChrome_Auto
}

// KnownFingerprint reports whether name is a supported fingerprint.
func KnownFingerprint(name string) bool {
	_, ok := fingerprints[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// WrapUTLS performs a uTLS handshake over conn. The connection is closed if
// the handshake fails.
func WrapUTLS(ctx context.Context, conn net.Conn, cfg *tls.Config, fingerprint string) (net.Conn, error) {
	if cfg == nil || cfg.ServerName == "" {
		conn.Close()
		return nil, fmt.Errorf("tlsutil: server name required")
	}
	uCfg := &utls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RootCAs:            cfg.RootCAs,
		NextProtos:         cfg.NextProtos,
		MinVersion:         cfg.MinVersion,
		MaxVersion:         cfg.MaxVersion,
	}
	uconn := utls.UClient(conn, uCfg, HelloID(fingerprint))
	if err := uconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tlsutil: handshake with %s: %w", cfg.ServerName, err)
	}
	return uconn, nil
}

// DialUTLS dials addr with dial and wraps the result in uTLS.
func DialUTLS(ctx context.Context, dial DialFunc, network, addr string, cfg *tls.Config, fingerprint string) (net.Conn, error) {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	conn, err := dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return WrapUTLS(ctx, conn, cfg, fingerprint)
}

// NegotiatedProtocol returns the ALPN protocol of a connection produced by
// WrapUTLS or crypto/tls.
func NegotiatedProtocol(conn net.Conn) string {
	switch c := conn.(type) {
	case *utls.UConn:
		return c.ConnectionState().NegotiatedProtocol
	case *tls.Conn:
		return c.ConnectionState().NegotiatedProtocol
	}
	return ""
}
