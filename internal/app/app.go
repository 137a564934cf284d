// Package app wires repositories, services and infrastructure shared by the
// server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/newsletter-backend/internal/config"
	"github.com/unclebandit/newsletter-backend/internal/db"
	"github.com/unclebandit/newsletter-backend/internal/lock"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/mail"
	"github.com/unclebandit/newsletter-backend/internal/metrics"
	"github.com/unclebandit/newsletter-backend/internal/repository"
	"github.com/unclebandit/newsletter-backend/internal/service"
)

const (
	DispatchClient    = "client"
	DispatchWorker    = "worker"
	DispatchInProcess = "inprocess"

	lockTTL = 5 * time.Minute
)

type App struct {
	DB          *sql.DB
	Registry    *prometheus.Registry
	Newsletters *service.NewsletterService
	Settings    *service.SettingsService
	redis       *redis.Client
}

// New connects to Postgres (and Redis when configured), applies the schema
// and builds the newsletter services. The dispatcher is left for the caller.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	l := logger.For("app")

	conn, err := db.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &App{DB: conn, Registry: reg}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opt)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker = lock.NewRedisLocker(a.redis, lockTTL)
		l.Info().Msg("using redis newsletter locks")
	} else {
		l.Warn().Msg("REDIS_URL not set, newsletter locks are local to this process")
	}

	a.Settings = service.NewSettingsService(
		&repository.SettingsRepository{DB: conn},
		cache.New(cfg.SettingsTTL, 2*cfg.SettingsTTL),
		cfg.Newsletter,
	)
	a.Newsletters = &service.NewsletterService{
		Repo:       &repository.NewsletterRepository{DB: conn},
		Recipients: &service.RecipientService{Repo: &repository.HashedRecipientRepository{DB: conn}},
		Sender:     service.NewChunkSender(mail.NewSMTPFactory(), m),
		Settings:   a.Settings,
		Locker:     locker,
		Metrics:    m,
	}
	return a, nil
}

func (a *App) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.DB.Close()
}
