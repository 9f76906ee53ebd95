package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

var ErrNoAddress = errors.New("no address records")

const (
	minCacheTTL = 30 * time.Second
	maxCacheTTL = 10 * time.Minute
)

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// Resolver looks up the tunnel endpoint. With a server configured it speaks
// DNS directly; otherwise it defers to the system resolver. Answers are cached
// for their TTL, clamped to [minCacheTTL, maxCacheTTL].
type Resolver struct {
	server string
	client *dns.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewResolver returns a resolver querying server ("host:port"). An empty
// server uses net.DefaultResolver.
func NewResolver(server string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Lookup returns the addresses for host, IPv4 first. IP literals are
// returned as is.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	key := strings.ToLower(dns.Fqdn(host))

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && r.now().Before(e.expires) {
		r.mu.Unlock()
		return e.addrs, nil
	}
	r.mu.Unlock()

	var (
		addrs []string
		ttl   time.Duration
		err   error
	)
	if r.server == "" {
		addrs, err = net.DefaultResolver.LookupHost(ctx, host)
		ttl = minCacheTTL
	} else {
		addrs, ttl, err = r.query(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, ErrNoAddress)
	}

	ttl = min(max(ttl, minCacheTTL), maxCacheTTL)
	r.mu.Lock()
	r.cache[key] = cacheEntry{addrs: addrs, expires: r.now().Add(ttl)}
	r.mu.Unlock()
	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, fqdn string) ([]string, time.Duration, error) {
	var (
		addrs  []string
		ttl    time.Duration
		lastEr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)
		m.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			lastEr = fmt.Errorf("resolve %s: %w", fqdn, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastEr = fmt.Errorf("resolve %s: %s", fqdn, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			rrTTL := time.Duration(rr.Header().Ttl) * time.Second
			if ttl == 0 || rrTTL < ttl {
				ttl = rrTTL
			}
			addrs = append(addrs, ip.String())
		}
		if len(addrs) > 0 {
			return addrs, ttl, nil
		}
	}
	if lastEr != nil {
		return nil, 0, lastEr
	}
	return nil, 0, nil
}

// Flush drops every cached answer.
func (r *Resolver) Flush() {
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
}
