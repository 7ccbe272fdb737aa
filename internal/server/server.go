// Package server exposes the refinement pipeline over HTTP.
//
// Routes:
//
//	POST /v1/refine      NDJSON event stream of a refinement run
//	GET  /v1/refine/ws   the same run over a WebSocket, one JSON text frame per event
//	POST /v1/translate   NDJSON event stream of a translation run
//	POST /v1/chat        NDJSON event stream of a search-grounded chat reply
//	GET  /healthz        liveness
//	GET  /readyz         readiness
//	GET  /metrics        Prometheus scrape endpoint
//
// Invalid requests are rejected with 400 before any event is written. Once a
// stream has started, failures are reported in-band as a status event.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/refinery/internal/chat"
	"github.com/MrWong99/refinery/internal/health"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/refine"
	"github.com/MrWong99/refinery/internal/stream"
)

// DefaultMaxBodyBytes bounds request bodies. Transcripts of several hours fit
// comfortably.
const DefaultMaxBodyBytes = 32 << 20

// Refiner starts refinement and translation runs.
type Refiner interface {
	Stream(ctx context.Context, req refine.Request) (*refine.Run, error)
	StreamTranslate(ctx context.Context, req refine.TranslateRequest) (*refine.Run, error)
}

// Chatter starts chat replies.
type Chatter interface {
	Stream(ctx context.Context, req chat.Request) (<-chan stream.Event, error)
}

// Server serves the HTTP API.
type Server struct {
	refiner        Refiner
	chat           Chatter
	health         *health.Handler
	metrics        *observe.Metrics
	maxBody        int64
	metricsHandler http.Handler

	srv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithChat enables POST /v1/chat.
func WithChat(c Chatter) Option {
	return func(s *Server) { s.chat = c }
}

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records HTTP metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxBodyBytes overrides [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithMetricsHandler replaces the Prometheus default-registry handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// New creates a Server for refiner.
func New(refiner Refiner, opts ...Option) *Server {
	s := &Server{
		refiner:        refiner,
		maxBody:        DefaultMaxBodyBytes,
		metricsHandler: promhttp.Handler(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/refine", s.handleRefine)
	mux.HandleFunc("GET /v1/refine/ws", s.handleRefineWS)
	mux.HandleFunc("POST /v1/translate", s.handleTranslate)
	if s.chat != nil {
		mux.HandleFunc("POST /v1/chat", s.handleChat)
	}
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)
	return observe.Middleware(s.metrics)(mux)
}

// Serve accepts connections on ln until [Server.Shutdown] is called. It
// returns nil after a graceful shutdown.
func (s *Server) Serve(ln net.Listener, certFile, keyFile string) error {
	var err error
	if certFile != "" {
		err = s.srv.ServeTLS(ln, certFile, keyFile)
	} else {
		err = s.srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown marks the server as draining and waits for in-flight streams to
// finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetDraining(true)
	return s.srv.Shutdown(ctx)
}
