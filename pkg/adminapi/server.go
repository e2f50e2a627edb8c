// Package adminapi exposes the operator-facing HTTP surface mounted
// alongside the proxy endpoint: health, stats, circuit-breaker state,
// origin health, and cache purge/warm.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"screaming-eagle/pkg/cache"
	"screaming-eagle/pkg/circuitbreaker"
	"screaming-eagle/pkg/config"
	"screaming-eagle/pkg/edge"
	"screaming-eagle/pkg/healthcheck"
	"screaming-eagle/pkg/logging"
	"screaming-eagle/pkg/origin"
	"screaming-eagle/pkg/pipeline"
	"screaming-eagle/pkg/telemetry"
)

// Server is the admin HTTP surface plus the proxied origin endpoint.
type Server struct {
	cfg       *config.Config
	cache     cache.Interface
	breakers  *circuitbreaker.Registry
	origins   *origin.Registry
	health    *healthcheck.Checker
	telemetry *telemetry.Telemetry
	pipeline  *pipeline.Handler
	logger    *logging.Logger

	allowlist *edge.CIDRMatcher
	startedAt time.Time

	mux    *http.ServeMux
	server *http.Server
}

// New builds the admin server and wires its routes.
func New(
	cfg *config.Config,
	c cache.Interface,
	breakers *circuitbreaker.Registry,
	origins *origin.Registry,
	health *healthcheck.Checker,
	telem *telemetry.Telemetry,
	proxy *pipeline.Handler,
	logger *logging.Logger,
) (*Server, error) {
	allowlist, err := edge.NewCIDRMatcher(cfg.Admin.AllowedIPs)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		cache:     c,
		breakers:  breakers,
		origins:   origins,
		health:    health,
		telemetry: telem,
		pipeline:  proxy,
		logger:    logger,
		allowlist: allowlist,
		startedAt: time.Now(),
	}

	s.mux = http.NewServeMux()
	s.routes()
	s.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /_cdn/health", s.handleHealth)
	s.mux.Handle("GET /_cdn/metrics", s.telemetry.Handler())

	s.mux.Handle("GET /_cdn/stats", s.requireAdmin(http.HandlerFunc(s.handleStats)))
	s.mux.Handle("GET /_cdn/circuit-breakers", s.requireAdmin(http.HandlerFunc(s.handleCircuitBreakers)))
	s.mux.Handle("GET /_cdn/origins/health", s.requireAdmin(http.HandlerFunc(s.handleOriginsHealth)))
	s.mux.Handle("POST /_cdn/purge", s.requireAdmin(http.HandlerFunc(s.handlePurge)))
	s.mux.Handle("POST /_cdn/warm", s.requireAdmin(http.HandlerFunc(s.handleWarm)))

	s.mux.Handle("/", s.pipeline)
}

// Start runs the HTTP listener until it errors or is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("admin+proxy server starting", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
