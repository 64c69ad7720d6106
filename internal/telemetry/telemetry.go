// Package telemetry is a listener separate from the control plane's
// operator API, serving only /metrics and the Go runtime's pprof
// profiles. Splitting it out means a scrape storm or a profiling
// session can never compete with /pause or /flatten for the same
// listener's accept queue.
package telemetry

import (
	"context"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/metrics"
)

// Server serves /metrics and pprof on its own address.
type Server struct {
	logger     *zap.Logger
	addr       string
	httpServer *http.Server
}

// New constructs a telemetry Server bound to addr, scraping reg.
func New(logger *zap.Logger, addr string, reg *metrics.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &Server{
		logger: logger.Named("telemetry"),
		addr:   addr,
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start serves until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("telemetry listening", zap.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully drains the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
