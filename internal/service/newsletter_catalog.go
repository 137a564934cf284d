// internal/service/newsletter_catalog.go
package service

import (
    "context"
    "strings"

    appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
    "github.com/unclebandit/newsletter-backend/internal/model"
)

// CreateDraft stores a new newsletter in draft status.
func (s *NewsletterService) CreateDraft(ctx context.Context, subject, content string) (*model.Newsletter, error) {
    if strings.TrimSpace(subject) == "" {
        return nil, appErrors.NewValidationError("subject", "subject is required")
    }
    n := &model.Newsletter{
        Subject: subject,
        Content: content,
        Status:  model.StatusDraft,
    }
    if err := s.Repo.Create(ctx, n); err != nil {
        return nil, err
    }
    return n, nil
}

// ListNewsletters fetches newsletters with pagination
func (s *NewsletterService) ListNewsletters(ctx context.Context, page, pageSize int, status string) ([]*model.Newsletter, map[string]int, error) {
    if page < 1 {
        page = 1
    }
    if pageSize < 1 {
        pageSize = 20
    }
    if pageSize > 100 {
        pageSize = 100
    }
    offset := (page - 1) * pageSize

    newsletters, total, err := s.Repo.List(ctx, offset, pageSize, status)
    if err != nil {
        return nil, nil, err
    }

    totalPages := (total + pageSize - 1) / pageSize
    pagination := map[string]int{
        "page":        page,
        "page_size":   pageSize,
        "total_count": total,
        "total_pages": totalPages,
    }

    return newsletters, pagination, nil
}

func (s *NewsletterService) GetNewsletter(ctx context.Context, id string) (*model.Newsletter, error) {
    return s.Repo.GetByID(ctx, id)
}
