// internal/model/newsletter.go
package model

import "time"

type NewsletterStatus string

const (
    StatusDraft    NewsletterStatus = "draft"
    StatusSending  NewsletterStatus = "sending"
    StatusSent     NewsletterStatus = "sent"
    StatusRetrying NewsletterStatus = "retrying"
    StatusFailed   NewsletterStatus = "failed"

    // StatusError is only ever reported by the status endpoint when the
    // persisted progress cannot be read. It is never written to the database.
    StatusError NewsletterStatus = "error"
)

type Newsletter struct {
    ID             string           `db:"id" json:"id"`
    Subject        string           `db:"subject" json:"subject"`
    Content        string           `db:"content" json:"content"`
    Status         NewsletterStatus `db:"status" json:"status"`
    RecipientCount int              `db:"recipient_count" json:"recipient_count"`
    Settings       string           `db:"settings" json:"-"`
    SentAt         *time.Time       `db:"sent_at" json:"sent_at,omitempty"`
    CreatedAt      time.Time        `db:"created_at" json:"created_at"`
    UpdatedAt      *time.Time       `db:"updated_at" json:"updated_at,omitempty"`
}

// Progress parses the settings blob. See ParseSendingProgress.
func (n *Newsletter) Progress() (*SendingProgress, error) {
    return ParseSendingProgress(n.Settings, n.RecipientCount)
}
