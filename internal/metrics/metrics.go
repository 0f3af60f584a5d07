package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/FranksOps/prospector/internal/page"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NavigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_navigations_total",
			Help: "Total number of page navigations performed by session drivers",
		},
		[]string{"driver", "status", "block"},
	)

	NavigationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospector_navigation_duration_seconds",
			Help:    "Duration of page navigations in seconds, settle delay included",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"driver"},
	)

	NavigationBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_navigation_bytes_total",
			Help: "Total bytes of rendered markup received",
		},
		[]string{"driver"},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_proxy_failures_total",
			Help: "Proxy failures by redacted proxy URL",
		},
		[]string{"proxy"},
	)

	SessionOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_session_opens_total",
			Help: "Session open attempts by outcome",
		},
		[]string{"driver", "outcome"},
	)

	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_pipeline_runs_total",
			Help: "Pipeline runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	ProfilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_profiles_total",
			Help: "Profile links processed by outcome (extracted, skipped)",
		},
		[]string{"outcome"},
	)

	EnrichmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_enrichments_total",
			Help: "Skill summary outcomes (generated, fallback, empty)",
		},
		[]string{"outcome"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_cache_lookups_total",
			Help: "Profile cache lookups by backend and result",
		},
		[]string{"backend", "result"},
	)
)

// RecordNavigation updates the navigation metrics for one rendered page.
func RecordNavigation(driver string, p *page.Page) {
	if p == nil {
		return
	}

	status := strconv.Itoa(p.StatusCode)
	if p.Error != "" {
		status = "error"
	}
	block := string(p.Block)
	if block == "" {
		block = "none"
	}

	NavigationsTotal.WithLabelValues(driver, status, block).Inc()
	NavigationDuration.WithLabelValues(driver).Observe(p.Duration.Seconds())
	NavigationBytesTotal.WithLabelValues(driver).Add(float64(len(p.Body)))
}

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server exposes /metrics on its own listener, away from the public API.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr and serves /metrics in the background. An empty addr
// disables the server; Stop on the result is then a no-op. Listen errors are
// returned rather than logged so a taken port fails startup.
func Start(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		return &Server{}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", ln.Addr(), "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", ln.Addr())
	return &Server{srv: srv, ln: ln}, nil
}

// Addr is the bound address, or "" when disabled.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
