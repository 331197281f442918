package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/cfg"
)

// Server hosts the admin API, the metrics endpoint, and pprof on the
// configured admin address.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the admin HTTP server. metricsHandler may be nil when
// Prometheus is disabled.
func NewServer(handlers *Handlers, metricsHandler http.Handler) *Server {
	mux := http.NewServeMux()

	RegisterRoutes(mux, handlers)

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	// Register pprof handlers for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("address", s.httpServer.Addr).Msg("Starting admin server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down, letting in-flight requests drain.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
