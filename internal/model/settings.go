// internal/model/settings.go
package model

import "time"

// NewsletterSettings holds the sender identity, the chunking plan and the
// SMTP transport limits used while sending a newsletter.
type NewsletterSettings struct {
    FromEmail string `json:"fromEmail" validate:"omitempty,email"`
    FromName  string `json:"fromName"`
    ReplyTo   string `json:"replyTo,omitempty" validate:"omitempty,email"`

    ChunkSize       int           `json:"chunkSize" validate:"gte=0,lte=1000"`
    ChunkDelay      time.Duration `json:"chunkDelay"`
    RetryChunkSizes []int         `json:"retryChunkSizes" validate:"omitempty,dive,gt=0"`

    MaxRetries      int           `json:"maxRetries" validate:"gte=0,lte=10"`
    MaxBackoffDelay time.Duration `json:"maxBackoffDelay"`

    SMTPHost          string        `json:"smtpHost,omitempty"`
    SMTPPort          int           `json:"smtpPort,omitempty"`
    SMTPUser          string        `json:"smtpUser,omitempty"`
    SMTPPassword      string        `json:"-"`
    SMTPSecure        bool          `json:"smtpSecure"`
    ConnectionTimeout time.Duration `json:"connectionTimeout"`
    GreetingTimeout   time.Duration `json:"greetingTimeout"`
    SocketTimeout     time.Duration `json:"socketTimeout"`
    EmailTimeout      time.Duration `json:"emailTimeout"`
    MaxConnections    int           `json:"maxConnections"`
}

const (
    DefaultChunkSize       = 50
    DefaultMaxRetries      = 3
    DefaultMaxBackoffDelay = 10 * time.Second
)

var DefaultRetryChunkSizes = []int{10, 5, 1}

func DefaultNewsletterSettings() NewsletterSettings {
    return NewsletterSettings{
        FromName:          "Newsletter",
        ChunkSize:         DefaultChunkSize,
        ChunkDelay:        500 * time.Millisecond,
        RetryChunkSizes:   append([]int(nil), DefaultRetryChunkSizes...),
        MaxRetries:        DefaultMaxRetries,
        MaxBackoffDelay:   DefaultMaxBackoffDelay,
        SMTPPort:          587,
        ConnectionTimeout: 20 * time.Second,
        GreetingTimeout:   20 * time.Second,
        SocketTimeout:     30 * time.Second,
        EmailTimeout:      60 * time.Second,
        MaxConnections:    1,
    }
}

// Merge returns a copy of s with every non-zero field of override applied.
func (s NewsletterSettings) Merge(override *NewsletterSettings) NewsletterSettings {
    if override == nil {
        return s
    }
    out := s
    if override.FromEmail != "" {
        out.FromEmail = override.FromEmail
    }
    if override.FromName != "" {
        out.FromName = override.FromName
    }
    if override.ReplyTo != "" {
        out.ReplyTo = override.ReplyTo
    }
    if override.ChunkSize > 0 {
        out.ChunkSize = override.ChunkSize
    }
    if override.ChunkDelay > 0 {
        out.ChunkDelay = override.ChunkDelay
    }
    if len(override.RetryChunkSizes) > 0 {
        out.RetryChunkSizes = append([]int(nil), override.RetryChunkSizes...)
    }
    if override.MaxRetries > 0 {
        out.MaxRetries = override.MaxRetries
    }
    if override.MaxBackoffDelay > 0 {
        out.MaxBackoffDelay = override.MaxBackoffDelay
    }
    if override.ConnectionTimeout > 0 {
        out.ConnectionTimeout = override.ConnectionTimeout
    }
    if override.GreetingTimeout > 0 {
        out.GreetingTimeout = override.GreetingTimeout
    }
    if override.SocketTimeout > 0 {
        out.SocketTimeout = override.SocketTimeout
    }
    if override.EmailTimeout > 0 {
        out.EmailTimeout = override.EmailTimeout
    }
    if override.MaxConnections > 0 {
        out.MaxConnections = override.MaxConnections
    }
    return out
}
