// internal/handler/router.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unclebandit/newsletter-backend/internal/controller"
	"github.com/unclebandit/newsletter-backend/internal/logger"
)

// Pinger reports whether a dependency is reachable, *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type RouterConfig struct {
	AdminUser     string
	AdminPassword string
	Gatherer      prometheus.Gatherer
	DB            Pinger
}

func NewRouter(ctrl *controller.NewsletterController, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health(cfg.DB))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/admin", func(r chi.Router) {
		if cfg.AdminPassword != "" {
			r.Use(middleware.BasicAuth("newsletter-admin", map[string]string{cfg.AdminUser: cfg.AdminPassword}))
		} else {
			logger.For("http").Warn().Msg("ADMIN_PASSWORD not set, admin routes are unauthenticated")
		}

		r.Route("/newsletter", func(r chi.Router) {
			r.Post("/", ctrl.CreateNewsletter)
			r.Get("/", ctrl.ListNewsletters)
			r.Post("/send", ctrl.Send)
			r.Post("/send-chunk", ctrl.SendChunk)
			r.Post("/retry-chunk", ctrl.RetryChunk)
			r.Get("/send-status/{id}", ctrl.SendStatus)
			r.Get("/retry-plan/{id}", ctrl.RetryPlan)
			r.Get("/settings", ctrl.GetSettings)
			r.Put("/settings", ctrl.UpdateSettings)
			r.Get("/{id}", ctrl.GetNewsletter)
		})
	})
	return r
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.For("http").Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
