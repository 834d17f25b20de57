// Package server wires the link server's components into a single
// process lifecycle, adapted from the teacher's Server type: admission
// control gates new websocket connections, the REST admission engine and
// the pub/sub endpoint share one HTTP listener, and Shutdown drains
// active connections within a grace period before forcing them closed.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/graffiti-garden/link-service/internal/config"
	"github.com/graffiti-garden/link-service/internal/limits"
	"github.com/graffiti-garden/link-service/internal/metrics"
	"github.com/graffiti-garden/link-service/internal/pubsub"
	"github.com/graffiti-garden/link-service/internal/relay"
	"github.com/graffiti-garden/link-service/internal/rest"
	"github.com/graffiti-garden/link-service/internal/store"
	"github.com/graffiti-garden/link-service/internal/sweeper"
)

// Server owns every long-lived component and their shared lifecycle.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      store.Store
	index      *pubsub.Index
	dispatcher *pubsub.Dispatcher
	sweeper    *sweeper.Sweeper
	metrics    *metrics.Metrics
	relay      *relay.Relay

	connRateLimiter *limits.ConnectionRateLimiter
	resourceGuard   *limits.ResourceGuard
	currentConns    int64

	httpServer *http.Server
	listener   net.Listener

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// New builds a Server from cfg, connecting to MongoDB and, if configured,
// to the NATS relay. Callers must call Start to actually begin serving.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	st, err := store.Open(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()
	index := pubsub.NewIndex()
	dispatcher := pubsub.NewDispatcher(st, index, logger).WithMetrics(m)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		index:      index,
		dispatcher: dispatcher,
		sweeper:    sweeper.New(st, cfg.ExpirationInterval, logger).WithMetrics(m),
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		connRateLimiter: limits.NewConnectionRateLimiter(
			cfg.ConnRateLimitPerSec, cfg.ConnRateLimitBurst,
			cfg.ConnRateLimitIPPerSec, cfg.ConnRateLimitIPBurst, cfg.ConnRateLimitIPTTL,
			logger),
	}
	// resourceGuard's currentConns pointer must alias the server's own
	// counter so admission checks see live connection counts.
	s.resourceGuard = limits.NewResourceGuard(cfg.MaxConnections, cfg.CPURejectThreshold, &s.currentConns, logger)

	if cfg.NATSURL != "" {
		r, err := relay.Connect(cfg.NATSURL, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect relay: %w", err)
		}
		s.relay = r
		s.dispatcher = s.dispatcher.WithRelay(r)
	}

	handlers := &rest.Handlers{Store: st, Logger: logger, Metrics: m}
	restRouter := rest.NewRouter(handlers)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", s.rootHandler(restRouter))

	s.httpServer = &http.Server{
		Addr:           cfg.Addr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s, nil
}

// Start opens the listener and launches every background goroutine:
// the HTTP/websocket accept loop, the change-feed dispatcher, the
// expiration sweeper, resource monitoring, and (if enabled) the relay
// subscription.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("link server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dispatcher.Run(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("dispatcher stopped")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweeper.Run(s.ctx)
	}()

	s.resourceGuard.StartMonitoring(s.ctx, s.cfg.MetricsInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.metrics.RunRuntimeSampler(s.ctx, s.cfg.MetricsInterval, s.resourceGuard.CurrentCPUPercent)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.ConnRateLimitIPTTL)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.connRateLimiter.EvictStale()
			}
		}
	}()

	if s.relay != nil {
		unsubscribe, err := s.relay.Subscribe(s.dispatcher.DeliverRemote)
		if err != nil {
			return fmt.Errorf("subscribe relay: %w", err)
		}
		go func() {
			<-s.ctx.Done()
			_ = unsubscribe()
		}()
	}

	return nil
}

// rootHandler mounts the pub/sub websocket upgrade at "/" alongside the
// REST admission engine, per spec.md §6 ("WebSocket. Mounted at /."):
// a request carrying the Upgrade: websocket header is routed to the
// connection handler, everything else falls through to the REST router.
func (s *Server) rootHandler(rest http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && isWebSocketUpgrade(r) {
			s.handleWebSocket(w, r)
			return
		}
		rest.ServeHTTP(w, r)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// handleWebSocket admits a new pub/sub connection: rejects during
// shutdown, applies resource-guard and rate-limit admission control,
// upgrades the connection, then hands it to pubsub.Handle for its full
// lifecycle.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if accept, reason := s.resourceGuard.ShouldAcceptConnection(); !accept {
		s.metrics.ConnectionRejected(reason)
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.connRateLimiter.Allow(ip) {
		s.metrics.ConnectionRejected("rate limited")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.metrics.ConnectionRejected("upgrade failed")
		return
	}

	atomic.AddInt64(&s.currentConns, 1)
	s.metrics.ConnectionOpened()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.currentConns, -1)
		defer s.metrics.ConnectionClosed()
		pubsub.Handle(s.ctx, conn, s.index, s.store, s.cfg.SocketSendBuffer, s.cfg.SlowClientStrikes, s.logger, s.metrics)
	}()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return strings.TrimSpace(host)
}

// Shutdown stops accepting new connections, drains existing ones for up
// to a grace period, then force-closes what remains and waits for every
// background goroutine to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down link server")
	atomic.StoreInt32(&s.shuttingDown, 1)

	_ = s.httpServer.Shutdown(ctx)

	const gracePeriod = 30 * time.Second
	drainDeadline := time.After(gracePeriod)
	checkTicker := time.NewTicker(time.Second)
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainDeadline:
			remaining := atomic.LoadInt64(&s.currentConns)
			if remaining > 0 {
				s.logger.Warn().Int64("remaining_connections", remaining).Msg("grace period expired, forcing remaining connections closed")
			}
			break drain
		case <-checkTicker.C:
			if atomic.LoadInt64(&s.currentConns) == 0 {
				break drain
			}
		}
	}

	s.cancel()
	s.wg.Wait()

	if closer, ok := s.store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			s.logger.Error().Err(err).Msg("error closing store")
		}
	}
	if s.relay != nil {
		s.relay.Close()
	}

	s.logger.Info().Msg("link server shutdown complete")
	return nil
}
