// Package metrics exposes tunnel counters as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "xtunnel"

var (
	roundtripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "roundtrips_total",
		Help:      "Round-trips issued against the tunnel endpoint, by result.",
	}, []string{"result"})

	roundtripSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "roundtrip_duration_seconds",
		Help:      "Round-trip latency including server hold time.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 20, 30},
	})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Failed round-trip attempts that were retried or handed off.",
	})

	resetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_resets_total",
		Help:      "Session teardowns followed by a fresh start.",
	})

	protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Malformed or out-of-sequence frames and records.",
	})

	trafficBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traffic_bytes_total",
		Help:      "HTTP body bytes exchanged with the endpoint.",
	}, []string{"direction"})

	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "roundtrips_in_flight",
		Help:      "Round-trips currently waiting for a response.",
	})

	connsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Open logical connections.",
	})

	connsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Logical connections created.",
	})

	socksAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socks_requests_total",
		Help:      "SOCKS5 requests by outcome.",
	}, []string{"outcome"})
)

// Registry holds every collector above plus Go runtime and process metrics.
var Registry = newRegistry()

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		roundtripsTotal, roundtripSeconds, retriesTotal, resetsTotal,
		protocolErrors, trafficBytes, inFlight, connsActive, connsTotal,
		socksAccepted,
	)
	return r
}

func ObserveRoundtrip(d time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	roundtripsTotal.WithLabelValues(result).Inc()
	roundtripSeconds.Observe(d.Seconds())
}

func AddTraffic(up, down int) {
	trafficBytes.WithLabelValues("up").Add(float64(up))
	trafficBytes.WithLabelValues("down").Add(float64(down))
}

func IncRetries()               { retriesTotal.Inc() }
func IncResets()                { resetsTotal.Inc() }
func IncProtocolErrors()        { protocolErrors.Inc() }
func SetInFlight(n int)         { inFlight.Set(float64(n)) }
func IncConnections()           { connsTotal.Inc(); connsActive.Inc() }
func DecConnections()           { connsActive.Dec() }
func IncSocks(outcome string)   { socksAccepted.WithLabelValues(outcome).Inc() }
