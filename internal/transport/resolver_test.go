package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNS serves A records for tunnel.test. and NXDOMAIN for anything else.
func startDNS(t *testing.T, queries *atomic.Int32) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			queries.Add(1)
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			switch {
			case q.Name != "tunnel.test.":
				m.SetRcode(r, dns.RcodeNameError)
			case q.Qtype == dns.TypeA:
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120},
					A:   net.IPv4(127, 0, 0, 1),
				})
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestResolverQueriesAndCaches(t *testing.T) {
	var queries atomic.Int32
	r := NewResolver(startDNS(t, &queries), time.Second)

	addrs, err := r.Lookup(context.Background(), "tunnel.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)
	assert.Equal(t, int32(1), queries.Load())

	addrs, err = r.Lookup(context.Background(), "TUNNEL.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)
	assert.Equal(t, int32(1), queries.Load())

	r.Flush()
	_, err = r.Lookup(context.Background(), "tunnel.test")
	require.NoError(t, err)
	assert.Equal(t, int32(2), queries.Load())
}

func TestResolverCacheExpires(t *testing.T) {
	var queries atomic.Int32
	r := NewResolver(startDNS(t, &queries), time.Second)
	now := time.Now()
	r.now = func() time.Time { return now }

	_, err := r.Lookup(context.Background(), "tunnel.test")
	require.NoError(t, err)
	now = now.Add(121 * time.Second)
	_, err = r.Lookup(context.Background(), "tunnel.test")
	require.NoError(t, err)
	assert.Equal(t, int32(2), queries.Load())
}

func TestResolverNameError(t *testing.T) {
	var queries atomic.Int32
	r := NewResolver(startDNS(t, &queries), time.Second)
	_, err := r.Lookup(context.Background(), "missing.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NXDOMAIN")
}

func TestResolverIPLiteral(t *testing.T) {
	r := NewResolver("192.0.2.1:53", time.Millisecond)
	addrs, err := r.Lookup(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.7"}, addrs)
}

func TestResolverAddsDefaultPort(t *testing.T) {
	r := NewResolver("1.1.1.1", 0)
	assert.Equal(t, "1.1.1.1:53", r.server)
}
