package metric

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const scrapeTimeout = 30 * time.Second

// NewPrometheusServer exposes registry on path. The returned server is not started.
func NewPrometheusServer(logger *zap.Logger, listenAddr string, path string, registry *prometheus.Registry) *http.Server {
	logger = logger.With(zap.String("component", "prometheus_server"))
	errorLog := zap.NewStdLog(logger)

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Method(http.MethodGet, path, promhttp.InstrumentMetricHandler(registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          errorLog,
		Timeout:           scrapeTimeout,
	})))

	logger.Info("Prometheus metrics enabled", zap.String("listen_addr", listenAddr), zap.String("endpoint", path))

	return &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      scrapeTimeout + 5*time.Second,
		IdleTimeout:       30 * time.Second,
		ErrorLog:          errorLog,
	}
}
