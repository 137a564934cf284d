// internal/service/chunk_sender.go
package service

import (
	"context"
	"time"

	"github.com/ecodeclub/ekit/retry"
	"github.com/rs/zerolog"

	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/mail"
	"github.com/unclebandit/newsletter-backend/internal/metrics"
	"github.com/unclebandit/newsletter-backend/internal/model"
)

const (
	ReasonInvalidEmail      = "Invalid email address"
	ReasonConnectionFailed  = "SMTP connection failed"
	ReasonTransportCreation = "Failed to create email transport"

	defaultBaseBackoff = time.Second
)

// Content is what every recipient of a newsletter receives.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

// ChunkProcessor sends one chunk of recipients. The newsletter service only
// depends on this interface.
type ChunkProcessor interface {
	ProcessSendingChunk(ctx context.Context, emails []string, newsletterID string, settings model.NewsletterSettings, mode model.SendMode, content Content) *model.ChunkSendResult
}

type ChunkSender struct {
	Factory mail.TransportFactory
	Metrics *metrics.Metrics
	// BaseBackoff is the first verification retry delay, doubled per attempt
	// up to settings.MaxBackoffDelay.
	BaseBackoff time.Duration
	// Sleep waits between verification attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func NewChunkSender(factory mail.TransportFactory, m *metrics.Metrics) *ChunkSender {
	return &ChunkSender{Factory: factory, Metrics: m, BaseBackoff: defaultBaseBackoff}
}

type validRecipient struct {
	input string
	clean string
}

// ProcessSendingChunk never returns an error: every failure is recorded per
// address and sentCount+failedCount always equals len(emails).
func (s *ChunkSender) ProcessSendingChunk(ctx context.Context, emails []string, newsletterID string, settings model.NewsletterSettings, mode model.SendMode, content Content) *model.ChunkSendResult {
	started := s.now()
	l := logger.For("chunk-sender").With().
		Str("newsletter_id", newsletterID).
		Str("mode", string(mode)).
		Int("chunk_size", len(emails)).
		Logger()

	result := &model.ChunkSendResult{Results: make([]model.EmailResult, 0, len(emails))}
	defer func() {
		result.CompletedAt = s.now()
		s.Metrics.ObserveChunk(string(mode), result.SentCount, result.FailedCount, result.CompletedAt.Sub(started))
	}()

	transport, err := s.Factory.Create(settings)
	if err != nil {
		l.Error().Err(err).Msg("failed to create transport")
		failAll(result, emails, ReasonTransportCreation)
		return result
	}
	defer func() {
		if transport != nil {
			closeTransport(l, transport)
		}
	}()

	if err := s.verifyWithRetry(ctx, l, transport, settings); err != nil {
		l.Error().Err(err).Msg("transport verification failed, failing whole chunk")
		failAll(result, emails, ReasonConnectionFailed)
		return result
	}

	valid := make([]validRecipient, 0, len(emails))
	for _, email := range emails {
		clean := mail.CleanEmail(email)
		if clean != email {
			l.Debug().Str("domain", mail.EmailDomain(clean)).Msg("email address was cleaned")
		}
		if !mail.ValidateEmail(clean) {
			l.Warn().Str("domain", mail.EmailDomain(clean)).Msg("invalid email address in chunk")
			result.Results = append(result.Results, model.EmailResult{Email: email, Success: false, Error: ReasonInvalidEmail})
			result.FailedCount++
			continue
		}
		valid = append(valid, validRecipient{input: email, clean: clean})
	}

	if len(valid) == 0 {
		l.Warn().Msg("no valid email addresses in chunk")
		return result
	}

	msg := buildMessage(settings, content, valid)
	sendErr := transport.Send(ctx, msg)
	if sendErr != nil && mail.IsConnectionError(sendErr) {
		l.Warn().Err(sendErr).Msg("connection error while sending, recreating transport")
		s.Metrics.TransportRecreated()
		closeTransport(l, transport)
		transport = nil
		fresh, err := s.Factory.Create(settings)
		if err != nil {
			l.Error().Err(err).Msg("failed to recreate transport")
		} else {
			transport = fresh
			sendErr = transport.Send(ctx, msg)
		}
	}

	for _, r := range valid {
		if sendErr != nil {
			result.Results = append(result.Results, model.EmailResult{Email: r.input, Success: false, Error: sendErr.Error()})
			result.FailedCount++
			continue
		}
		result.Results = append(result.Results, model.EmailResult{Email: r.input, Success: true})
		result.SentCount++
	}

	if sendErr != nil {
		l.Error().Err(sendErr).Strs("domains", mail.Domains(cleanOf(valid))).Msg("chunk send failed")
	} else {
		l.Info().Int("sent", result.SentCount).Int("failed", result.FailedCount).Msg("chunk sent")
	}
	return result
}

func (s *ChunkSender) verifyWithRetry(ctx context.Context, l zerolog.Logger, t mail.Transporter, settings model.NewsletterSettings) error {
	maxRetries := settings.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff, err := s.backoff(settings, maxRetries)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		err := t.Verify(ctx)
		if err == nil {
			return nil
		}
		if !mail.IsConnectionError(err) {
			return err
		}
		delay, ok := backoff.Next()
		if !ok || attempt >= maxRetries {
			return err
		}
		l.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("transport verification failed, retrying")
		s.Metrics.VerifyRetry()
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *ChunkSender) backoff(settings model.NewsletterSettings, maxRetries int) (retry.Strategy, error) {
	base := s.BaseBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	ceiling := settings.MaxBackoffDelay
	if ceiling <= 0 {
		ceiling = model.DefaultMaxBackoffDelay
	}
	if base > ceiling {
		base = ceiling
	}
	return retry.NewExponentialBackoffRetryStrategy(base, ceiling, int32(maxRetries))
}

func (s *ChunkSender) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *ChunkSender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// buildMessage sends to a single recipient directly and to two or more
// recipients as one message with everyone in Bcc.
func buildMessage(settings model.NewsletterSettings, content Content, valid []validRecipient) *mail.Message {
	msg := &mail.Message{
		FromName: settings.FromName,
		From:     settings.FromEmail,
		ReplyTo:  settings.ReplyTo,
		Subject:  content.Subject,
		HTML:     content.HTML,
		Text:     content.Text,
	}
	if len(valid) == 1 {
		msg.To = []string{valid[0].clean}
		return msg
	}
	msg.To = []string{settings.FromEmail}
	msg.Bcc = cleanOf(valid)
	return msg
}

func cleanOf(valid []validRecipient) []string {
	out := make([]string, len(valid))
	for i, r := range valid {
		out[i] = r.clean
	}
	return out
}

func failAll(result *model.ChunkSendResult, emails []string, reason string) {
	for _, e := range emails {
		result.Results = append(result.Results, model.EmailResult{Email: e, Success: false, Error: reason})
	}
	result.SentCount = 0
	result.FailedCount = len(emails)
}

func closeTransport(l zerolog.Logger, t mail.Transporter) {
	if err := t.Close(); err != nil {
		l.Warn().Err(err).Msg("failed to close transport")
	}
}
