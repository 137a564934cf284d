// internal/service/settings_service.go
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/repository"
)

const settingsCacheKey = "newsletter:settings"

var (
	structValidatorOnce sync.Once
	structValidator     *validator.Validate
)

func validate() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New()
	})
	return structValidator
}

// SettingsService resolves the effective newsletter settings: stored admin
// settings on top of the process defaults. The cache is owned by the caller
// and invalidated on every Update.
type SettingsService struct {
	Repo     repository.SettingsRepositoryInterface
	Cache    *cache.Cache
	Defaults model.NewsletterSettings
}

func NewSettingsService(repo repository.SettingsRepositoryInterface, c *cache.Cache, defaults model.NewsletterSettings) *SettingsService {
	return &SettingsService{Repo: repo, Cache: c, Defaults: defaults}
}

func (s *SettingsService) Get(ctx context.Context) (model.NewsletterSettings, error) {
	if s.Cache != nil {
		if v, ok := s.Cache.Get(settingsCacheKey); ok {
			return v.(model.NewsletterSettings), nil
		}
	}

	effective := s.Defaults
	if s.Repo != nil {
		stored, err := s.Repo.Get(ctx)
		if err != nil {
			return model.NewsletterSettings{}, fmt.Errorf("failed to load newsletter settings: %w", err)
		}
		effective = effective.Merge(stored)
	}

	if s.Cache != nil {
		s.Cache.Set(settingsCacheKey, effective, cache.DefaultExpiration)
	}
	return effective, nil
}

// Update validates and stores admin settings, then drops the cached copy.
func (s *SettingsService) Update(ctx context.Context, in model.NewsletterSettings) (model.NewsletterSettings, error) {
	if err := validate().Struct(in); err != nil {
		return model.NewsletterSettings{}, appErrors.NewValidationError("settings", err.Error())
	}
	if s.Repo == nil {
		return model.NewsletterSettings{}, fmt.Errorf("settings repository not configured")
	}
	if err := s.Repo.Save(ctx, in); err != nil {
		return model.NewsletterSettings{}, fmt.Errorf("failed to save newsletter settings: %w", err)
	}
	s.Invalidate()
	return s.Get(ctx)
}

func (s *SettingsService) Invalidate() {
	if s.Cache != nil {
		s.Cache.Delete(settingsCacheKey)
	}
}
