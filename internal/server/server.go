// Package server exposes the relay over HTTP: MJPEG streams, snapshots, the
// WebSocket gateway and the monitoring endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"rc-proxy-server/internal/config"
	"rc-proxy-server/internal/metrics"
	"rc-proxy-server/internal/pilot"
	"rc-proxy-server/internal/video"
)

// Version is reported by /health.
const Version = "1.0.0"

// Gateway is the WebSocket endpoint mounted on /ws.
type Gateway interface {
	http.Handler
	Clients() int
}

type Server struct {
	config    *config.Config
	registry  *video.Registry
	gateway   Gateway
	authority *pilot.Authority
	metrics   *metrics.Metrics

	rateLimiter *RateLimiterPool
	connTracker *ConnectionTracker
	connSeq     uint64

	httpServer *http.Server
	listener   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, registry *video.Registry, gw Gateway, authority *pilot.Authority, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      cfg,
		registry:    registry,
		gateway:     gw,
		authority:   authority,
		metrics:     m,
		rateLimiter: NewRateLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst),
		connTracker: NewConnectionTracker(cfg.MaxConnections),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.middleware(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Video
	mux.HandleFunc("GET /stream/{id}", s.handleStream)
	mux.HandleFunc("GET /sshot/{id}", s.handleSnapshot)
	mux.HandleFunc("GET /streams", s.handleStreams)

	// Vehicle
	mux.Handle("GET /ws", s.gateway)

	// Health & Metrics
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /{$}", s.handleIndex)
}

func (s *Server) Start() error {
	addr := s.config.Addr(s.config.HTTPPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "unable to listen for HTTP on %s", addr)
	}
	s.listener = l

	// No WriteTimeout: /stream responses never end on their own.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return s.ctx
		},
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server error")
		}
	}()

	s.metrics.SetHealth("healthy")
	log.WithField("addr", l.Addr().String()).Info("HTTP server listening")
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop cancels the request base context, which ends open streams, then shuts
// the HTTP server down.
func (s *Server) Stop() {
	s.metrics.SetHealth("stopping")
	s.cancel()
	if s.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete, closing remaining connections")
		s.httpServer.Close()
	}
	s.wg.Wait()
	log.Info("HTTP server stopped")
}
