package mail

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/unclebandit/newsletter-backend/internal/model"
)

// Message is one outgoing SMTP transaction. Bcc recipients do not appear in
// the headers.
type Message struct {
	FromName string
	From     string
	To       []string
	Bcc      []string
	ReplyTo  string
	Subject  string
	HTML     string
	Text     string
}

// Transporter is a single SMTP connection.
type Transporter interface {
	Verify(ctx context.Context) error
	Send(ctx context.Context, msg *Message) error
	Close() error
}

type TransportFactory interface {
	Create(settings model.NewsletterSettings) (Transporter, error)
}

type TransportFactoryFunc func(settings model.NewsletterSettings) (Transporter, error)

func (f TransportFactoryFunc) Create(settings model.NewsletterSettings) (Transporter, error) {
	return f(settings)
}

var connectionMarkers = []string{
	"too many connections",
	"econnrefused",
	"connection refused",
	"esocket",
	"eprotocol",
	"connection reset",
	"broken pipe",
	"i/o timeout",
}

// IsConnectionError reports whether err is a transient connection-class
// failure worth retrying with a fresh connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range connectionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
