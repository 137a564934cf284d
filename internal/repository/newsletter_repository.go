package repository

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "time"

    "github.com/google/uuid"

    appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
    "github.com/unclebandit/newsletter-backend/internal/model"
)

type NewsletterRepositoryInterface interface {
    Create(ctx context.Context, n *model.Newsletter) error
    GetByID(ctx context.Context, id string) (*model.Newsletter, error)
    List(ctx context.Context, offset, limit int, status string) ([]*model.Newsletter, int, error)
    ListByStatus(ctx context.Context, statuses ...model.NewsletterStatus) ([]*model.Newsletter, error)

    // StartSending stores the rendered content, the recipient count and the
    // fresh progress blob and moves the newsletter to "sending".
    StartSending(ctx context.Context, id, subject, content string, recipientCount int, settings string) error
    // UpdateProgress writes status, the progress blob and sent_at in one statement.
    UpdateProgress(ctx context.Context, id string, status model.NewsletterStatus, settings string, sentAt *time.Time) error
}

type NewsletterRepository struct {
    DB *sql.DB
}

const newsletterColumns = `id, subject, content, status, recipient_count, settings, sent_at, created_at, updated_at`

// ====================== Newsletter CRUD ======================

func (r *NewsletterRepository) Create(ctx context.Context, n *model.Newsletter) error {
    if n.ID == "" {
        n.ID = uuid.NewString()
    }
    if n.Status == "" {
        n.Status = model.StatusDraft
    }
    n.CreatedAt = time.Now()
    query := `
        INSERT INTO newsletter_items (id, subject, content, status, recipient_count, settings, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
    _, err := r.DB.ExecContext(ctx, query, n.ID, n.Subject, n.Content, n.Status, n.RecipientCount, n.Settings, n.CreatedAt)
    return err
}

func (r *NewsletterRepository) GetByID(ctx context.Context, id string) (*model.Newsletter, error) {
    query := `SELECT ` + newsletterColumns + ` FROM newsletter_items WHERE id=$1`
    n, err := scanNewsletter(r.DB.QueryRowContext(ctx, query, id))
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return nil, appErrors.NewNewsletterNotFound(id)
        }
        return nil, err
    }
    return n, nil
}

func (r *NewsletterRepository) List(ctx context.Context, offset, limit int, status string) ([]*model.Newsletter, int, error) {
    newsletters := []*model.Newsletter{}
    query := `SELECT ` + newsletterColumns + ` FROM newsletter_items WHERE 1=1`
    args := []interface{}{}
    argPos := 1

    if status != "" {
        query += fmt.Sprintf(" AND status=$%d", argPos)
        args = append(args, status)
        argPos++
    }

    query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
    args = append(args, limit, offset)

    rows, err := r.DB.QueryContext(ctx, query, args...)
    if err != nil {
        return nil, 0, err
    }
    defer rows.Close()

    for rows.Next() {
        n, err := scanNewsletter(rows)
        if err != nil {
            return nil, 0, err
        }
        newsletters = append(newsletters, n)
    }
    if err := rows.Err(); err != nil {
        return nil, 0, err
    }

    countQuery := `SELECT COUNT(*) FROM newsletter_items`
    countArgs := []interface{}{}
    if status != "" {
        countQuery += ` WHERE status=$1`
        countArgs = append(countArgs, status)
    }

    var total int
    if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
        return nil, 0, err
    }

    return newsletters, total, nil
}

func (r *NewsletterRepository) ListByStatus(ctx context.Context, statuses ...model.NewsletterStatus) ([]*model.Newsletter, error) {
    if len(statuses) == 0 {
        return []*model.Newsletter{}, nil
    }
    query := `SELECT ` + newsletterColumns + ` FROM newsletter_items WHERE status IN (`
    args := make([]interface{}, 0, len(statuses))
    for i, s := range statuses {
        if i > 0 {
            query += ", "
        }
        query += fmt.Sprintf("$%d", i+1)
        args = append(args, string(s))
    }
    query += `) ORDER BY created_at ASC`

    rows, err := r.DB.QueryContext(ctx, query, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    out := []*model.Newsletter{}
    for rows.Next() {
        n, err := scanNewsletter(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, n)
    }
    return out, rows.Err()
}

// ====================== Sending progress ======================

func (r *NewsletterRepository) StartSending(ctx context.Context, id, subject, content string, recipientCount int, settings string) error {
    query := `
        UPDATE newsletter_items
        SET subject=$1, content=$2, status=$3, recipient_count=$4, settings=$5, sent_at=NULL, updated_at=$6
        WHERE id=$7
    `
    res, err := r.DB.ExecContext(ctx, query, subject, content, model.StatusSending, recipientCount, settings, time.Now(), id)
    if err != nil {
        return err
    }
    return expectOneRow(res, id)
}

func (r *NewsletterRepository) UpdateProgress(ctx context.Context, id string, status model.NewsletterStatus, settings string, sentAt *time.Time) error {
    query := `UPDATE newsletter_items SET status=$1, settings=$2, sent_at=$3, updated_at=$4 WHERE id=$5`
    res, err := r.DB.ExecContext(ctx, query, status, settings, sentAt, time.Now(), id)
    if err != nil {
        return err
    }
    return expectOneRow(res, id)
}

type rowScanner interface {
    Scan(dest ...any) error
}

func scanNewsletter(row rowScanner) (*model.Newsletter, error) {
    var n model.Newsletter
    var status string
    err := row.Scan(&n.ID, &n.Subject, &n.Content, &status, &n.RecipientCount, &n.Settings, &n.SentAt, &n.CreatedAt, &n.UpdatedAt)
    if err != nil {
        return nil, err
    }
    n.Status = model.NewsletterStatus(status)
    return &n, nil
}

func expectOneRow(res sql.Result, id string) error {
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        return appErrors.NewNewsletterNotFound(id)
    }
    return nil
}

var _ NewsletterRepositoryInterface = (*NewsletterRepository)(nil)
