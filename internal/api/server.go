// Package api is the HTTP surface: the public slug endpoint rendering
// redirects, the programmatic /detect endpoint, health and readiness
// probes, and the Prometheus scrape target.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cloakroute/edge/internal/config"
	"github.com/cloakroute/edge/internal/decision"
	"github.com/cloakroute/edge/internal/metrics"
	"github.com/cloakroute/edge/internal/visitor"
)

// Decider is the decision pipeline as the handlers see it.
type Decider interface {
	Decide(ctx context.Context, slug string, d *visitor.Descriptor) *decision.Outcome
	Inspect(ctx context.Context, slug string, d *visitor.Descriptor) *decision.Outcome
}

// Pinger reports backend reachability for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the router and the http.Server lifecycle.
type Server struct {
	decisions Decider
	extractor *visitor.Extractor
	primary   Pinger
	cache     Pinger
	gatherer  prometheus.Gatherer
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	httpServer *http.Server
}

// NewServer wires the routes. primary and cache back the readiness probe
// and may be nil in tests.
func NewServer(
	cfg config.ServerConfig,
	decisions Decider,
	extractor *visitor.Extractor,
	primary, cache Pinger,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		decisions: decisions,
		extractor: extractor,
		primary:   primary,
		cache:     cache,
		gatherer:  gatherer,
		metrics:   m,
		logger:    logger,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
	}
	return s
}

// Router builds the handler tree. Fixed routes first; the slug catch-all
// goes last so it cannot shadow them.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.cors, s.instrument)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/{slug}", s.handleSlug).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)

	return r
}

// Start serves until Shutdown. A closed server is a clean return.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops intake and waits for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
