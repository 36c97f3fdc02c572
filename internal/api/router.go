package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/metrics"
	"github.com/lalithlochan/medreminder/internal/redis"
)

// HealthFunc reports whether backing services are reachable.
type HealthFunc func(r *http.Request) error

// NewRouter mounts every route on a chi router with the standard middleware
// stack. limiter and health may be nil.
func NewRouter(h *Handler, limiter *redis.RateLimiter, health HealthFunc, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RequireCronSecret(h.cronSecret))
			r.Post("/scheduler/run", h.RunScheduler)
			r.Get("/scheduler/run", h.RunScheduler)
			r.Get("/scheduler/breakers", h.BreakerStatus)
		})

		r.Get("/push/vapid-public-key", h.VAPIDPublicKey)

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)
			r.Use(RateLimitMiddleware(limiter, logger, UserKeyFunc))

			r.Post("/confirmations", h.CreateConfirmation)
			r.Get("/confirmations", h.ListConfirmations)

			r.Post("/push/subscriptions", h.Subscribe)
			r.Get("/push/subscriptions", h.ListSubscriptions)
			r.Delete("/push/subscriptions", h.Unsubscribe)

			r.Post("/pharmacy/items", h.CreateItem)
			r.Post("/pharmacy/items/{id}/refill", h.RefillItem)
			r.Put("/pharmacy/items/{id}/stock", h.SetItemStock)
			r.Get("/pharmacy/items/{id}/history", h.ItemHistory)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
