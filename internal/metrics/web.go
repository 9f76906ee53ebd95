package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc returns a JSON-serializable snapshot for /status.
type StatusFunc func() any

// WebServer serves /metrics, /status and /healthz.
type WebServer struct {
	registry    *prometheus.Registry
	status      StatusFunc
	enablePprof bool
	startTime   time.Time
}

// WebServerOption configures a WebServer.
type WebServerOption func(*WebServer)

// WithPprof enables /debug/pprof/* endpoints.
func WithPprof(enable bool) WebServerOption {
	return func(ws *WebServer) {
		ws.enablePprof = enable
	}
}

// WithRegistry replaces the package registry, mostly for tests.
func WithRegistry(r *prometheus.Registry) WebServerOption {
	return func(ws *WebServer) {
		ws.registry = r
	}
}

func NewWebServer(status StatusFunc, opts ...WebServerOption) *WebServer {
	ws := &WebServer{
		registry:  Registry,
		status:    status,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// Handler returns the HTTP mux.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *WebServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("metrics listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if s.status != nil {
		body["session"] = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
