package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/newsletter-backend/internal/model"
)

// SettingsRepositoryInterface persists the admin-editable newsletter settings.
type SettingsRepositoryInterface interface {
	// Get returns nil without error when nothing has been saved yet.
	Get(ctx context.Context) (*model.NewsletterSettings, error)
	Save(ctx context.Context, s model.NewsletterSettings) error
}

type SettingsRepository struct {
	DB *sql.DB
}

func (r *SettingsRepository) Get(ctx context.Context) (*model.NewsletterSettings, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT data FROM newsletter_settings WHERE id = 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var s model.NewsletterSettings
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to decode newsletter settings: %w", err)
	}
	return &s, nil
}

func (r *SettingsRepository) Save(ctx context.Context, s model.NewsletterSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode newsletter settings: %w", err)
	}
	query := `
        INSERT INTO newsletter_settings (id, data, updated_at) VALUES (1, $1, $2)
        ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
    `
	_, err = r.DB.ExecContext(ctx, query, string(data), time.Now())
	return err
}

var _ SettingsRepositoryInterface = (*SettingsRepository)(nil)
