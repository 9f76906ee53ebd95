// Package transport carries tunnel round-trips to the server as HTTPS POSTs
// over HTTP/1.1, HTTP/2 (uTLS fingerprinted) or HTTP/3.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"

	"xtunnel/internal/tlsutil"
)

const maxResponseBody = 64 << 20

var (
	ErrClosed        = errors.New("transport closed")
	ErrProxyWithQUIC = errors.New("proxy is not supported with h3")
)

type Options struct {
	Host               string
	Port               int
	PortEnd            int
	Protocol           string // h1, h2, h3
	Fingerprint        string
	SNI                string
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	DNS                string
	Proxy              string
	DialTimeout        time.Duration
}

// Client implements the tunnel's round-tripper.
type Client struct {
	opts     Options
	resolver *Resolver
	ports    *PortPool

	mu     sync.RWMutex
	hc     *http.Client
	closer func()
	closed bool
}

func New(opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("transport: host required")
	}
	if opts.Port == 0 {
		opts.Port = 443
	}
	if opts.Protocol == "" {
		opts.Protocol = "h2"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	c := &Client{
		opts:     opts,
		resolver: NewResolver(opts.DNS, opts.DialTimeout),
		ports:    NewPortPool(opts.Port, opts.PortEnd),
	}
	rt, closer, err := c.build(opts.Proxy)
	if err != nil {
		return nil, err
	}
	c.hc = &http.Client{Transport: rt}
	c.closer = closer
	return c, nil
}

func (c *Client) tlsConfig() *tls.Config {
	name := c.opts.SNI
	if name == "" {
		name = c.opts.Host
	}
	return &tls.Config{
		ServerName:         name,
		InsecureSkipVerify: c.opts.InsecureSkipVerify,
		RootCAs:            c.opts.RootCAs,
		MinVersion:         tls.VersionTLS12,
	}
}

// dialServer resolves the endpoint itself and tries each address in turn.
func (c *Client) dialServer(dial tlsutil.DialFunc) tlsutil.DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := c.resolver.Lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dial(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

func (c *Client) build(proxyURL string) (http.RoundTripper, func(), error) {
	switch c.opts.Protocol {
	case "h3":
		if proxyURL != "" {
			return nil, nil, ErrProxyWithQUIC
		}
		return c.buildH3()
	case "h1", "h2":
	default:
		return nil, nil, fmt.Errorf("transport: unknown protocol %q", c.opts.Protocol)
	}

	dial, err := proxyDialer(proxyURL, c.opts.DialTimeout)
	if err != nil {
		return nil, nil, err
	}
	dial = c.dialServer(dial)

	if c.opts.Protocol == "h1" {
		tr := &http.Transport{
			DialContext:         dial,
			TLSClientConfig:     c.tlsConfig(),
			TLSHandshakeTimeout: c.opts.DialTimeout,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
			// Non-nil empty map keeps the transport on HTTP/1.1.
			TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
		}
		return tr, tr.CloseIdleConnections, nil
	}

	tlsCfg := c.tlsConfig()
	tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	tr := &http2.Transport{
		TLSClientConfig: tlsCfg,
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return tlsutil.WrapUTLS(ctx, conn, cfg, c.opts.Fingerprint)
		},
	}
	return tr, tr.CloseIdleConnections, nil
}

func (c *Client) buildH3() (http.RoundTripper, func(), error) {
	tlsCfg := c.tlsConfig()
	tlsCfg.MinVersion = tls.VersionTLS13
	tlsCfg.ClientSessionCache = tls.NewLRUClientSessionCache(32)
	tr := &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			HandshakeIdleTimeout: c.opts.DialTimeout,
			KeepAlivePeriod:      15 * time.Second,
		},
		Dial: func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := c.resolver.Lookup(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := quic.DialAddrEarly(ctx, net.JoinHostPort(ip, port), tlsCfg, cfg)
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
	return tr, func() { _ = tr.Close() }, nil
}

// Post sends body to path on the next port of the pool and returns the
// status code and full response body. Non-200 statuses are not errors.
func (c *Client) Post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	c.mu.RLock()
	hc, closed := c.hc, c.closed
	c.mu.RUnlock()
	if closed {
		return 0, nil, ErrClosed
	}

	port := c.ports.Next()
	url := "https://" + net.JoinHostPort(c.opts.Host, strconv.Itoa(port)) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := hc.Do(req)
	if err != nil {
		c.ports.Report(port, false)
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		c.ports.Report(port, false)
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxResponseBody {
		return resp.StatusCode, nil, fmt.Errorf("response body exceeds %d bytes", maxResponseBody)
	}
	c.ports.Report(port, true)
	return resp.StatusCode, data, nil
}

// SetProxy rebuilds the HTTP client to dial through proxyURL. Over h1 and h2
// requests in flight finish on the previous client.
func (c *Client) SetProxy(proxyURL string) error {
	rt, closer, err := c.build(proxyURL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		closer()
		return ErrClosed
	}
	old := c.closer
	c.hc = &http.Client{Transport: rt}
	c.closer = closer
	c.opts.Proxy = proxyURL
	c.mu.Unlock()

	c.resolver.Flush()
	if old != nil {
		old()
	}
	return nil
}

// Close releases idle connections. Further Posts fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.closer != nil {
		c.closer()
	}
	return nil
}

// Ports returns the number of server ports in rotation.
func (c *Client) Ports() int { return c.ports.Len() }
