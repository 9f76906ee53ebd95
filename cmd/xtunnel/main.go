// Command xtunnel runs a local SOCKS5 proxy whose connections are carried
// over a multiplexed HTTPS session to the tunnel server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"xtunnel/internal/codec"
	"xtunnel/internal/config"
	"xtunnel/internal/metrics"
	"xtunnel/internal/socks5"
	"xtunnel/internal/transport"
	"xtunnel/internal/tunnel"
)

// Set via -ldflags at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	printConfig := flag.Bool("print-config", false, "Print the effective config and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	reloader, err := config.NewReloadable(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	defer reloader.Close()
	cfg := reloader.Get()

	if *printConfig {
		if err := dumpConfig(os.Stdout, cfg); err != nil {
			log.Fatalf("print config: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var current atomic.Pointer[tunnel.Session]
	if cfg.Metrics.Listen != "" {
		ws := metrics.NewWebServer(func() any {
			if s := current.Load(); s != nil {
				return s.Status()
			}
			return tunnel.Status{}
		}, metrics.WithPprof(cfg.Metrics.Pprof))
		go func() {
			if err := ws.ListenAndServe(ctx, cfg.Metrics.Listen); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	restartCh := make(chan *config.Config, 1)
	reloader.Watch(func(_, next *config.Config) {
		select {
		case restartCh <- next:
		default:
		}
	})

	run := func(c *config.Config) (context.CancelFunc, chan error) {
		runCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- runTunnel(runCtx, c, &current) }()
		return cancel, errCh
	}

	restarts := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	runCancel, errCh := run(cfg)
	for {
		select {
		case <-ctx.Done():
			runCancel()
			<-errCh
			return
		case next := <-restartCh:
			log.Printf("config reloaded: restarting tunnel with updated settings")
			runCancel()
			<-errCh
			restarts.Reset()
			runCancel, errCh = run(next)
		case err := <-errCh:
			runCancel()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, tunnel.ErrQuotaExhausted) {
				log.Fatalf("tunnel stopped: %v", err)
			}
			wait := restarts.Duration()
			log.Printf("tunnel failed: %v (restarting in %s)", err, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			runCancel, errCh = run(reloader.Get())
		}
	}
}

// runTunnel logs in, starts the session and serves SOCKS5 until ctx ends
// or the session stops for good.
func runTunnel(ctx context.Context, cfg *config.Config, current *atomic.Pointer[tunnel.Session]) error {
	chain, err := codec.New(codec.Options{
		Compress: cfg.Compress,
		Cipher:   cfg.Encrypt.Method,
		Password: cfg.Encrypt.Password,
	})
	if err != nil {
		return err
	}

	client, err := transport.New(transport.Options{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		PortEnd:            cfg.Server.PortEnd,
		Protocol:           cfg.Server.Protocol,
		Fingerprint:        cfg.Server.Fingerprint,
		SNI:                cfg.Server.SNI,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		DNS:                cfg.Server.DNS,
		Proxy:              cfg.Server.Proxy,
		DialTimeout:        cfg.Session.NetworkTimeoutDuration(),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	tcfg := sessionConfig(cfg)
	if chain != nil {
		tcfg.Codec = chain
	}
	sess := tunnel.NewSession(client, tcfg)
	current.Store(sess)
	defer func() {
		sess.Stop()
		current.CompareAndSwap(sess, nil)
	}()

	if err := sess.Login(ctx, cfg.Account, cfg.Password); err != nil {
		return err
	}
	if err := sess.EnsureRunning(ctx); err != nil {
		return err
	}

	srv := &socks5.Server{
		Username: cfg.Socks.Username,
		Password: cfg.Socks.Password,
		Limiter:  socks5.NewPeerLimiter(5, 2*time.Minute),
		Connect: func(conn net.Conn, host string, port uint16) error {
			if err := sess.EnsureRunning(ctx); err != nil {
				return err
			}
			_, err := sess.CreateConnection(conn, host, port)
			return err
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Socks.Listen)
	})
	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if err := sess.Err(); errors.Is(err, tunnel.ErrQuotaExhausted) {
					return err
				}
				if cfg.Logging.Level == "debug" {
					log.Printf("status: %s", sess.Status())
				}
			}
		}
	})
	return g.Wait()
}

func sessionConfig(cfg *config.Config) tunnel.Config {
	s := cfg.Session
	return tunnel.Config{
		WindowSize:       uint32(s.WindowSize),
		WindowAck:        uint32(s.WindowAck),
		MaxPayload:       s.MaxPayload,
		SendDelay:        s.SendDelayDuration(),
		Concurrency:      s.Concurrency,
		MinOnRoad:        s.MinOnRoad,
		RoundtripTimeout: s.RoundtripTimeoutDuration(),
		NetworkTimeout:   s.NetworkTimeoutDuration(),
		Retry: tunnel.RetryStrategy{
			Step:          s.RetryBackoffDuration(),
			Max:           s.RetryBackoffMaxDuration(),
			MaxRetries:    s.MaxRetries,
			JitterPercent: 0.1,
		},
		IdleReset: s.IdleResetDuration(),
		LoginPath: cfg.Server.LoginPath,
		DataPath:  cfg.Server.DataPath,
		ExtraInfo: cfg.ExtraInfo(version),
		Debug:     cfg.Logging.Level == "debug",
	}
}

func dumpConfig(w io.Writer, cfg *config.Config) error {
	masked := *cfg
	if masked.Password != "" {
		masked.Password = "***"
	}
	if masked.Encrypt.Password != "" {
		masked.Encrypt.Password = "***"
	}
	if masked.Socks.Password != "" {
		masked.Socks.Password = "***"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(&masked)
}
