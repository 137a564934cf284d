package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/unclebandit/newsletter-backend/internal/app"
	"github.com/unclebandit/newsletter-backend/internal/config"
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

	// Connect to RabbitMQ
	q, err := queue.DialAMQP(cfg.AMQPURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()

	dispatcher := queue.NewDispatcher(q)
	a.Newsletters.Dispatcher = dispatcher
	worker := service.NewWorker(a.Newsletters)

	if err := queue.StartSubscribers(q, worker); err != nil {
		log.Fatal().Err(err).Msg("failed to register consumers")
	}
	if cfg.WorkerResume {
		if err := worker.Resume(ctx, dispatcher); err != nil {
			log.Error().Err(err).Msg("failed to resume unfinished newsletters")
		}
	}

	log.Info().Msg("Worker running, waiting for jobs...")
	<-ctx.Done()
	log.Info().Msg("Worker shutting down")
}
