// Package server runs the core: the function and observable registries on
// one executor loop, the WebSocket endpoint, and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/zot/livequery/internal/auth"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/metrics"
	"github.com/zot/livequery/internal/observable"
	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/session"
	"github.com/zot/livequery/internal/svc"
	"github.com/zot/livequery/internal/worker"
	"go.uber.org/zap"
)

// Options supplies collaborators that do not come from configuration.
type Options struct {
	// Installer is consulted before the Lua function directory.
	Installer function.Installer
	// Authorize replaces the top-level predicate. By default a JWT predicate
	// is used when a secret is configured, otherwise everything is allowed.
	Authorize function.AuthorizeFunc
	// Registry receives the metrics; a fresh registry is made when nil.
	Registry *prometheus.Registry
}

// Server is the live query server.
type Server struct {
	config      *config.Config
	logger      *zap.Logger
	loop        *svc.Loop
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	functions   *function.Registry
	observables *observable.Registry
	auth        *auth.Coordinator
	sessions    *session.Manager
	pool        *worker.Pool
	hotLoader   *worker.HotLoader
	limiter     *RateLimiter
	wsEndpoint  *WebSocketEndpoint
	httpEnd     *HTTPEndpoint
	httpServer  *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a server from cfg.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.SetLogger(logger)
	s := &Server{
		config:   cfg,
		logger:   logger,
		loop:     svc.New().Start(),
		registry: opts.Registry,
		sessions: session.NewManager(),
		limiter:  NewRateLimiter(cfg.Connection.RateLimit, cfg.Connection.RateBurst),
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	s.metrics = metrics.New(s.registry)

	var installers function.Chain
	if opts.Installer != nil {
		installers = append(installers, opts.Installer)
	}
	if cfg.Functions.Dir != "" {
		s.pool = worker.NewPool(cfg.Functions.Dir, cfg.Functions.Workers, cfg.Functions.IdleTimeout.Duration(), logger)
		installers = append(installers, s.pool)
	}
	s.functions = function.NewRegistry(s.loop, installers, logger)

	enc := protocol.NewEncoder(cfg.Server.Compress)
	if cfg.Server.CompressThreshold > 0 {
		enc.Threshold = cfg.Server.CompressThreshold
	}
	s.wsEndpoint = NewWebSocketEndpoint(cfg, logger, enc, s.functions, s.sessions, s.limiter, s.metrics)
	s.observables = observable.NewRegistry(s.loop, s.functions, s.wsEndpoint, observable.Options{
		GracePeriod: cfg.Observables.GracePeriod.Duration(),
		Encoder:     enc,
		Metrics:     s.metrics,
		Logger:      logger,
	})
	s.functions.SetObservables(s.observables)

	authorize := opts.Authorize
	if authorize == nil && cfg.Auth.JWTSecret != "" {
		j := &auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience}
		authorize = j.Authorize
	}
	s.auth = auth.NewCoordinator(s.functions, s.observables, auth.Options{
		Authorize: authorize,
		Timeout:   10 * time.Second,
		Metrics:   s.metrics,
		Logger:    logger,
	})
	s.wsEndpoint.observables = s.observables
	s.wsEndpoint.auth = s.auth
	s.httpEnd = NewHTTPEndpoint(cfg, s.functions, s.observables, s.auth, s.wsEndpoint, s.limiter, s.registry)

	if s.pool != nil && cfg.Functions.HotReload {
		hl, err := worker.NewHotLoader(cfg, s.pool, s.functions)
		if err != nil {
			return nil, fmt.Errorf("hot loader: %w", err)
		}
		s.hotLoader = hl
	}
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.httpEnd
}

// Functions returns the function registry.
func (s *Server) Functions() *function.Registry {
	return s.functions
}

// Observables returns the observable registry.
func (s *Server) Observables() *observable.Registry {
	return s.observables
}

// Sessions returns the connection manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Start launches the background workers and the HTTP listener. It returns
// the address being served.
func (s *Server) Start() (string, error) {
	s.StartBackground(context.Background())
	return s.StartHTTP(s.config.Server.Port)
}

// StartBackground runs the idle sweep, fault reporting and the hot loader
// until ctx ends or the server shuts down.
func (s *Server) StartBackground(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.hotLoader != nil {
		if err := s.hotLoader.Start(); err != nil {
			s.logger.Warn("hot reload disabled", zap.Error(err))
		}
	}
	interval := s.config.Functions.SweepInterval.Duration()
	if interval <= 0 {
		interval = 3 * time.Second
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted := s.functions.Sweep(ctx, interval)
				s.metrics.Evicted(len(evicted))
				for _, name := range evicted {
					s.config.Log(1, "evicted idle function %s", name)
				}
				s.limiter.Prune(10 * time.Minute)
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-s.observables.Faults():
				s.config.Log(1, "observable %s (%d) failed: %v", f.Name, f.ID, f.Err)
			}
		}
	}()
}

// StartHTTP listens on port (0 picks a free one) and serves in the
// background. It returns the bound address.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	if port == 0 {
		_, portStr, _ := net.SplitHostPort(listener.Addr().String())
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}
	addr = listener.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.httpEnd,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return addr, nil
}

// Shutdown stops accepting work, closes every connection and tears down
// live observables and workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.hotLoader != nil {
		s.hotLoader.Stop()
	}
	s.wsEndpoint.CloseAll()
	s.wg.Wait()
	s.observables.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	s.loop.Stop()
	s.config.Log(0, "server stopped")
	return err
}
