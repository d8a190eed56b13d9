// Package gateway is the minimal ambient HTTP surface this service exposes:
// liveness/readiness probes and a Prometheus scrape endpoint. The
// multi-tenant REST API surface (request auth, rate limiting, admin CRUD)
// the teacher built here is plumbing this system's operations (§4.1-4.6)
// don't need — DESIGN.md records that tradeoff.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/cache"
	"github.com/crosslogic/finetune-control-plane/pkg/database"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gateway wires health, readiness, and metrics behind a chi router.
type Gateway struct {
	db     *database.Database
	cache  *cache.Cache
	logger *zap.Logger
	router *chi.Mux

	requestsTotal *prometheus.CounterVec
}

// NewGateway builds the router and registers its routes.
func NewGateway(db *database.Database, cache *cache.Cache, logger *zap.Logger, allowedOrigins []string) *Gateway {
	g := &Gateway{
		db:     db,
		cache:  cache,
		logger: logger,
		router: chi.NewRouter(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finetune_control_plane_http_requests_total",
			Help: "Total HTTP requests served by the ambient gateway, by route and status.",
		}, []string{"route", "status"}),
	}
	prometheus.MustRegister(g.requestsTotal)

	g.setupRoutes(allowedOrigins)
	return g
}

func (g *Gateway) Router() http.Handler { return g.router }

func (g *Gateway) setupRoutes(allowedOrigins []string) {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(30 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)
	g.router.Handle("/metrics", promhttp.Handler())
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		g.requestsTotal.WithLabelValues(route, statusBucket(ww.Status())).Inc()
	})
}

func statusBucket(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := g.db.Health(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	if err := g.cache.Health(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "cache not ready")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{"message": message},
	})
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// down gracefully.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      g.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
