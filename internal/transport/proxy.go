package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"xtunnel/internal/tlsutil"
)

// proxyDialer builds a dial function that goes through a SOCKS5 proxy.
// An empty URL yields direct dialing.
func proxyDialer(proxyURL string, timeout time.Duration) (tlsutil.DialFunc, error) {
	direct := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if proxyURL == "" {
		return direct.DialContext, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url %q has no host", proxyURL)
	}

	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("build proxy dialer: %w", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}
