package mail

import (
	"context"
	"fmt"
	"errors"
	"sync"
	"sync/atomic"

	gomail "github.com/wneessen/go-mail"

	"github.com/unclebandit/newsletter-backend/internal/model"
)

// smtpClient is the part of *gomail.Client the transport uses.
type smtpClient interface {
	DialWithContext(ctx context.Context) error
	Send(messages ...*gomail.Msg) error
	Close() error
}

var errTransportAbandoned = errors.New("smtp transport abandoned after send timeout")

// SMTPTransport wraps one go-mail client. Verify dials and authenticates,
// Send reuses that connection.
type SMTPTransport struct {
	client   smtpClient
	settings model.NewsletterSettings

	mu        sync.Mutex
	connected bool
	// abandoned is set when a send outlives EmailTimeout. The in-flight send
	// then owns the connection and closes it when it returns.
	abandoned atomic.Bool
}

// NewSMTPFactory returns the production transport factory.
func NewSMTPFactory() TransportFactory {
	return TransportFactoryFunc(func(s model.NewsletterSettings) (Transporter, error) {
		return NewSMTPTransport(s)
	})
}

func NewSMTPTransport(s model.NewsletterSettings) (*SMTPTransport, error) {
	if s.SMTPHost == "" {
		return nil, fmt.Errorf("smtp host is required")
	}

	opts := []gomail.Option{
		gomail.WithPort(s.SMTPPort),
		gomail.WithTimeout(s.SocketTimeout),
	}
	if s.SMTPSecure {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if s.SMTPUser != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.SMTPUser),
			gomail.WithPassword(s.SMTPPassword),
		)
	}

	client, err := gomail.NewClient(s.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return &SMTPTransport{client: client, settings: s}, nil
}

// Verify opens the connection, waits for the greeting and authenticates.
func (t *SMTPTransport) Verify(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	timeout := t.settings.ConnectionTimeout + t.settings.GreetingTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := t.client.DialWithContext(ctx); err != nil {
		return err
	}
	t.connected = true
	return nil
}

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if t.abandoned.Load() {
		return errTransportAbandoned
	}
	if err := t.Verify(ctx); err != nil {
		return err
	}
	m, err := buildMsg(msg)
	if err != nil {
		return err
	}

	if t.settings.EmailTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.settings.EmailTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		err := t.client.Send(m)
		if t.abandoned.Load() {
			t.closeLocked()
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		t.abandoned.Store(true)
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

// Close never waits for a send that timed out.
func (t *SMTPTransport) Close() error {
	if t.abandoned.Load() {
		if !t.mu.TryLock() {
			return nil
		}
	} else {
		t.mu.Lock()
	}
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *SMTPTransport) closeLocked() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.client.Close()
}

func buildMsg(msg *Message) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if msg.FromName != "" {
		if err := m.FromFormat(msg.FromName, msg.From); err != nil {
			return nil, fmt.Errorf("invalid from address: %w", err)
		}
	} else if err := m.From(msg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if len(msg.To) > 0 {
		if err := m.To(msg.To...); err != nil {
			return nil, fmt.Errorf("invalid to address: %w", err)
		}
	}
	if len(msg.Bcc) > 0 {
		if err := m.Bcc(msg.Bcc...); err != nil {
			return nil, fmt.Errorf("invalid bcc address: %w", err)
		}
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to address: %w", err)
		}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextHTML, msg.HTML)
	if msg.Text != "" {
		m.AddAlternativeString(gomail.TypeTextPlain, msg.Text)
	}
	return m, nil
}
