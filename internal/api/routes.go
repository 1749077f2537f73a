package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/spamcheck-scheduler/internal/pkg/logger"
)

// SetupRoutes builds the ops router. gatherer backs /metrics.
func SetupRoutes(h *Handlers, hc *HealthChecker, gatherer prometheus.Gatherer, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.With("component", "api.http")))
	r.Use(middleware.Recoverer)

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/stats", h.HandleStats)
	r.Post("/sweeps/{name}/run", h.HandleRunSweep)
	r.Get("/error-logs", h.HandleErrorLogs)
	r.Route("/credential-gates/{tenant}/{platform}", func(r chi.Router) {
		r.Get("/", h.HandleGetGate)
		r.Delete("/", h.HandleClearGate)
	})

	return r
}

// requestLogger logs every request except health checks and scrapes at debug.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []interface{}{
				"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
				"bytes", ww.BytesWritten(), "duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			}
			switch r.URL.Path {
			case "/health/live", "/health/ready", "/metrics":
				log.Debug("request", fields...)
			default:
				log.Info("request", fields...)
			}
		})
	}
}
