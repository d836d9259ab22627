package tunneld

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pkt.systems/pslog"
	"pkt.systems/tunneld/internal/auth"
	"pkt.systems/tunneld/internal/clock"
	"pkt.systems/tunneld/internal/httpapi"
	"pkt.systems/tunneld/internal/lsf"
	"pkt.systems/tunneld/internal/svcfields"
	"pkt.systems/tunneld/internal/tunnel"
)

// Server wraps the HTTP server, the tunnel registry and supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	handler      *httpapi.Handler
	registry     *tunnel.Registry
	gate         *auth.Gate
	observer     *lsf.Observer
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	configHooks  []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation (useful for tests).
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for tracing.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithLSFLogInterval overrides the cadence for tunneld.lsf.sample logs; 0 disables them.
func WithLSFLogInterval(interval time.Duration) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.LSFLogInterval = interval
		})
	}
}

// NewServer constructs a tunnel broker according to cfg.
// Example:
//
//	srv, err := tunneld.NewServer(tunneld.Config{Listen: ":8080", AuthToken: token})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, hook := range o.configHooks {
		hook(&cfg)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	gate, err := auth.NewGate(auth.Config{
		Token:               cfg.AuthToken,
		TokenFile:           cfg.AuthTokenFile,
		SignatureSecret:     cfg.SignatureSecret,
		SignatureSecretFile: cfg.SignatureSecretFile,
		PublicTunnel:        cfg.PublicTunnel,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	if !gate.Enabled() {
		logger.Warn("auth.disabled", "impact", "every tunnel accepts unauthenticated requests")
	}

	telemetry, err := setupTelemetry(context.Background(), telemetrySettings{
		otlpEndpoint:     cfg.OTLPEndpoint,
		metricsListen:    cfg.MetricsListen,
		pprofListen:      cfg.PprofListen,
		profilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "observability.telemetry"))
	if err != nil {
		return nil, err
	}

	registry := tunnel.NewRegistry(tunnel.Config{
		Clock:      serverClock,
		Logger:     logger,
		MaxWaiters: cfg.MaxWaiters,
		ReplyTTL:   cfg.ReplyTTL,
	})
	observer := lsf.NewObserver(lsf.Config{
		Enabled:          true,
		SampleInterval:   cfg.LSFSampleInterval,
		LogInterval:      cfg.LSFLogInterval,
		MemoryLimitBytes: cfg.MemoryLimitBytes,
	}, logger)
	handler := httpapi.New(httpapi.Config{
		Registry:           registry,
		Gate:               gate,
		Logger:             logger,
		Observer:           observer,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		DefaultPollTimeout: cfg.DefaultPollTimeout,
		MaxPollTimeout:     cfg.MaxPollTimeout,
		EnableHTTPTracing:  cfg.OTLPEndpoint != "" && !cfg.DisableHTTPTracing,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return bgCtx
		},
		ErrorLog: log.New(errorLogWriter{logger: svcfields.WithSubsystem(logger, "server.http")}, "", 0),
	}
	h2 := &http2.Server{MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams)}
	if err := http2.ConfigureServer(httpSrv, h2); err != nil {
		bgCancel()
		registry.Close()
		_ = telemetry.Shutdown(context.Background())
		return nil, fmt.Errorf("http2: configure server: %w", err)
	}
	if cfg.H2C {
		httpSrv.Handler = h2c.NewHandler(mux, h2)
	}

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server.lifecycle"),
		handler:   handler,
		registry:  registry,
		gate:      gate,
		observer:  observer,
		httpSrv:   httpSrv,
		clock:     serverClock,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}, nil
}

// Handler returns the underlying HTTP handler so the broker can be mounted
// inside an existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Registry exposes the tunnel registry backing the server.
func (s *Server) Registry() *tunnel.Registry {
	return s.registry
}

// Observer exposes the load observer (inflight counters and the memory guard).
func (s *Server) Observer() *lsf.Observer {
	return s.observer
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	if err := s.gate.Watch(s.bgCtx); err != nil {
		s.logger.Warn("auth.watch.failed", "error", err)
	}
	s.observer.Start(s.bgCtx)
	s.startSweeper()
	defer s.stopSweeper()
	s.signalReady()
	s.logger.Info("server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"auth", s.gate.Enabled(),
		"public_tunnel", s.cfg.PublicTunnel,
		"h2c", s.cfg.H2C,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server. Parked long polls are released with
// empty results before in-flight requests are drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.handler.SetReady(false)
	s.registry.Close()
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.stopSweeper()
	s.bgCancel()
	s.observer.Wait()
	if err := s.gate.Close(); err != nil {
		errs = append(errs, fmt.Errorf("auth watcher: %w", err))
	}
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	socketPath := s.socketPath
	s.mu.Unlock()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	stats := s.registry.Stats()
	s.logger.Info("server.stopped", "tunnels", stats.Tunnels, "messages_dropped", stats.Messages)
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	s.mu.Lock()
	if s.sweeperStop != nil || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.registry.Sweep()
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it is
// ready to accept connections. It returns the running server alongside a stop
// function that gracefully shuts it down. Cancelling ctx also stops the server.
// Example:
//
//	srv, stop, err := tunneld.StartServer(ctx, tunneld.Config{ListenProto: "unix", Listen: "/tmp/tunneld.sock"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}

// errorLogWriter routes net/http's internal error log into the structured logger.
type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "detail", string(bytes.TrimSpace(p)))
	return len(p), nil
}
