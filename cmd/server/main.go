// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unclebandit/newsletter-backend/internal/app"
	"github.com/unclebandit/newsletter-backend/internal/config"
	"github.com/unclebandit/newsletter-backend/internal/controller"
	"github.com/unclebandit/newsletter-backend/internal/handler"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/queue"
	"github.com/unclebandit/newsletter-backend/internal/service"
)

func main() {
	cfg := config.Load()
	logger.Setup(cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise application")
	}
	defer a.Close()

	var q queue.Queue
	switch cfg.DispatchMode {
	case app.DispatchWorker:
		aq, err := queue.DialAMQP(cfg.AMQPURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to queue")
		}
		q = aq
	case app.DispatchInProcess:
		q = queue.NewInMemoryQueue()
		if err := queue.StartSubscribers(q, service.NewWorker(a.Newsletters)); err != nil {
			log.Fatal().Err(err).Msg("failed to start in-process worker")
		}
	default:
		log.Info().Msg("client driven sending, chunks are submitted by the admin UI")
	}
	if q != nil {
		a.Newsletters.Dispatcher = queue.NewDispatcher(q)
		defer q.Close()
	}

	ctrl := &controller.NewsletterController{
		Newsletters: a.Newsletters,
		Settings:    a.Settings,
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: handler.NewRouter(ctrl, handler.RouterConfig{
			AdminUser:     cfg.AdminUser,
			AdminPassword: cfg.AdminPassword,
			Gatherer:      a.Registry,
			DB:            a.DB,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Str("dispatch_mode", cfg.DispatchMode).Msg("🚀 Server running")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
}
