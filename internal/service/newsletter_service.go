// internal/service/newsletter_service.go
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/lock"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/mail"
	"github.com/unclebandit/newsletter-backend/internal/metrics"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/repository"
)

// Dispatcher hands chunks to a background worker instead of waiting for the
// client to submit them one by one.
type Dispatcher interface {
	DispatchChunks(ctx context.Context, newsletterID string, chunks [][]string) error
	DispatchRetry(ctx context.Context, newsletterID string) error
}

type NewsletterService struct {
	Repo       repository.NewsletterRepositoryInterface
	Recipients *RecipientService
	Sender     ChunkProcessor
	Settings   *SettingsService
	Locker     lock.Locker
	Metrics    *metrics.Metrics
	// Dispatcher is nil in client driven mode.
	Dispatcher Dispatcher
	Now        func() time.Time
}

type SendRequest struct {
	NewsletterID string                    `json:"newsletterId" validate:"required"`
	HTML         string                    `json:"html" validate:"required"`
	Subject      string                    `json:"subject" validate:"required"`
	EmailText    string                    `json:"emailText" validate:"required"`
	Settings     *model.NewsletterSettings `json:"settings,omitempty"`
}

type SendPlan struct {
	Success         bool       `json:"success"`
	NewsletterID    string     `json:"newsletterId"`
	EmailChunks     [][]string `json:"emailChunks"`
	ValidRecipients int        `json:"validRecipients"`
	InvalidEmails   []string   `json:"invalidEmails"`
	TotalChunks     int        `json:"totalChunks"`
	ChunkSize       int        `json:"chunkSize"`
	Dispatched      bool       `json:"dispatched"`
}

// ChunkRequest is one client (or worker) submitted chunk. HTML and Subject
// fall back to the content stored when sending started.
type ChunkRequest struct {
	NewsletterID string   `json:"newsletterId" validate:"required"`
	HTML         string   `json:"html"`
	Subject      string   `json:"subject"`
	ChunkEmails  []string `json:"chunkEmails" validate:"required,min=1"`
	ChunkIndex   int      `json:"chunkIndex" validate:"gte=0"`
}

type ChunkOutcome struct {
	Success          bool                   `json:"success"`
	ChunkIndex       int                    `json:"chunkIndex"`
	SentCount        int                    `json:"sentCount"`
	FailedCount      int                    `json:"failedCount"`
	Results          []model.EmailResult    `json:"results,omitempty"`
	TotalSent        int                    `json:"totalSent"`
	TotalFailed      int                    `json:"totalFailed"`
	CompletedChunks  int                    `json:"completedChunks"`
	TotalChunks      int                    `json:"totalChunks"`
	IsComplete       bool                   `json:"isComplete"`
	Duplicate        bool                   `json:"duplicate,omitempty"`
	NewsletterStatus model.NewsletterStatus `json:"newsletterStatus"`
}

func (s *NewsletterService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Send validates the request, processes the recipient list, persists the
// chunk plan and moves the newsletter to "sending". Chunks are sent by
// subsequent SendChunk calls (or by the worker when a Dispatcher is set).
func (s *NewsletterService) Send(ctx context.Context, req SendRequest) (*SendPlan, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	l := logger.For("newsletter-sending").With().Str("newsletter_id", req.NewsletterID).Logger()

	unlock, err := s.Locker.Lock(ctx, lockKey(req.NewsletterID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock newsletter: %w", err)
	}
	defer unlock()

	n, err := s.Repo.GetByID(ctx, req.NewsletterID)
	if err != nil {
		return nil, err
	}
	if n.Status == model.StatusSending || n.Status == model.StatusRetrying {
		return nil, appErrors.InvalidState("newsletter %s is already %s", n.ID, n.Status)
	}

	settings, err := s.Settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	settings = settings.Merge(req.Settings)

	recipients, err := s.Recipients.ProcessRecipientList(ctx, req.EmailText)
	if err != nil {
		return nil, err
	}
	if recipients.Valid == 0 {
		return nil, appErrors.NewValidationError("emailText", "no valid email addresses found")
	}

	chunkSize := settings.ChunkSize
	if chunkSize <= 0 {
		chunkSize = model.DefaultChunkSize
	}
	chunks := ChunkEmails(recipients.ValidEmails, chunkSize)

	progress := model.NewSendingProgress(recipients.ValidEmails, chunkSize, settings.RetryChunkSizes, s.now())
	progress.Overrides = req.Settings
	blob, err := progress.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode sending progress: %w", err)
	}
	if err := s.Repo.StartSending(ctx, n.ID, req.Subject, req.HTML, recipients.Valid, blob); err != nil {
		return nil, err
	}

	plan := &SendPlan{
		Success:         true,
		NewsletterID:    n.ID,
		EmailChunks:     chunks,
		ValidRecipients: recipients.Valid,
		InvalidEmails:   recipients.InvalidEmails,
		TotalChunks:     len(chunks),
		ChunkSize:       chunkSize,
	}

	if s.Dispatcher != nil {
		if err := s.Dispatcher.DispatchChunks(ctx, n.ID, chunks); err != nil {
			l.Error().Err(err).Msg("failed to dispatch chunks, client must drive sending")
		} else {
			plan.Dispatched = true
		}
	}

	l.Info().
		Int("recipients", recipients.Valid).
		Int("invalid", recipients.Invalid).
		Int("chunks", len(chunks)).
		Int("chunk_size", chunkSize).
		Msg("newsletter sending started")
	return plan, nil
}

// SendChunk sends one chunk of the first pass and records its result. A
// chunk that was already processed is answered from the stored result.
func (s *NewsletterService) SendChunk(ctx context.Context, req ChunkRequest) (*ChunkOutcome, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	l := logger.For("newsletter-sending").With().
		Str("newsletter_id", req.NewsletterID).
		Int("chunk_index", req.ChunkIndex).
		Logger()

	unlock, err := s.Locker.Lock(ctx, lockKey(req.NewsletterID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock newsletter: %w", err)
	}
	defer unlock()

	n, err := s.Repo.GetByID(ctx, req.NewsletterID)
	if err != nil {
		return nil, err
	}
	progress, err := n.Progress()
	if err != nil {
		return nil, err
	}

	emails := normalizeEmails(req.ChunkEmails)
	token := ChunkToken(model.ModeInitial, req.ChunkIndex, 0, emails)
	if done, ok := progress.Processed(token); ok {
		l.Info().Msg("chunk already processed, returning stored result")
		return chunkOutcome(n.Status, progress, req.ChunkIndex, done.SentCount, done.FailedCount, nil, true), nil
	}

	if n.Status != model.StatusSending {
		return nil, appErrors.InvalidState("newsletter %s is %s, not sending", n.ID, n.Status)
	}
	if req.ChunkIndex >= progress.TotalChunks {
		return nil, appErrors.NewValidationError("chunkIndex", fmt.Sprintf("chunk index %d out of range (%d chunks)", req.ChunkIndex, progress.TotalChunks))
	}
	batch := req.ChunkEmails
	if planned, ok := progress.PlannedChunk(req.ChunkIndex); ok {
		if !sameAddresses(emails, planned) {
			return nil, appErrors.NewValidationError("chunkEmails", fmt.Sprintf("addresses do not match planned chunk %d", req.ChunkIndex))
		}
		batch = planned
	} else {
		for _, e := range emails {
			if !progress.IsTargeted(e) {
				return nil, appErrors.NewValidationError("chunkEmails", "chunk contains an address outside the recipient list")
			}
		}
	}
	if done, ok := progress.CompletedChunk(req.ChunkIndex); ok {
		l.Info().Msg("chunk index already completed, returning stored result")
		return chunkOutcome(n.Status, progress, req.ChunkIndex, done.SentCount, done.FailedCount, nil, true), nil
	}

	settings, err := s.sendSettings(ctx, progress)
	if err != nil {
		return nil, err
	}
	content := s.content(req, n)

	result := s.Sender.ProcessSendingChunk(ctx, batch, n.ID, settings, model.ModeInitial, content)
	now := s.now()
	progress.RecordInitialChunk(token, req.ChunkIndex, result.SentCount, result.FailedCount, retryableFailures(result), now)

	status := model.StatusSending
	var sentAt *time.Time
	if progress.InitialPassComplete() {
		switch {
		case len(progress.FailedEmails) == 0:
			status = model.StatusSent
			sentAt = &now
		case len(progress.RetryChunkSizes) == 0:
			status = model.StatusFailed
		default:
			status = model.StatusRetrying
			progress.RetryInProgress = true
			progress.CurrentRetryStage = 0
		}
	}

	if err := s.persist(ctx, n.ID, status, progress, sentAt); err != nil {
		return nil, err
	}

	l.Info().
		Int("sent", result.SentCount).
		Int("failed", result.FailedCount).
		Int("completed_chunks", progress.CompletedChunks).
		Int("total_chunks", progress.TotalChunks).
		Str("status", string(status)).
		Msg("chunk processed")

	if status == model.StatusRetrying && s.Dispatcher != nil {
		if err := s.Dispatcher.DispatchRetry(ctx, n.ID); err != nil {
			l.Error().Err(err).Msg("failed to dispatch retry")
		}
	}

	return chunkOutcome(status, progress, req.ChunkIndex, result.SentCount, result.FailedCount, result.Results, false), nil
}

// StatusSnapshot is the progress report of the send-status endpoint.
type StatusSnapshot struct {
	Status            model.NewsletterStatus `json:"status"`
	TotalSent         int                    `json:"totalSent"`
	TotalFailed       int                    `json:"totalFailed"`
	CompletedChunks   int                    `json:"completedChunks"`
	TotalChunks       int                    `json:"totalChunks"`
	IsComplete        bool                   `json:"isComplete"`
	ChunkResults      []model.ChunkResult    `json:"chunkResults"`
	RecipientCount    int                    `json:"recipientCount"`
	RetryInProgress   bool                   `json:"retryInProgress"`
	CurrentRetryStage int                    `json:"currentRetryStage"`
	RemainingFailed   int                    `json:"remainingFailed"`
	SentAt            *time.Time             `json:"sentAt,omitempty"`
}

// Status reports sending progress. When the stored progress is corrupted it
// returns a zeroed snapshot with status "error" together with the error.
func (s *NewsletterService) Status(ctx context.Context, id string) (*StatusSnapshot, error) {
	if strings.TrimSpace(id) == "" {
		return nil, appErrors.NewValidationError("id", "newsletter id is required")
	}
	n, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	progress, err := n.Progress()
	if err != nil {
		logger.For("send-status").Error().Err(err).Str("newsletter_id", id).Msg("failed to parse sending progress")
		return &StatusSnapshot{
			Status:       model.StatusError,
			ChunkResults: []model.ChunkResult{},
			IsComplete:   true,
		}, err
	}

	chunkSize := progress.ChunkSize
	if chunkSize <= 0 {
		settings, err := s.Settings.Get(ctx)
		if err != nil {
			return nil, err
		}
		chunkSize = settings.ChunkSize
	}
	totalChunks := 0
	if chunkSize > 0 {
		totalChunks = (n.RecipientCount + chunkSize - 1) / chunkSize
	}

	snap := &StatusSnapshot{
		Status:            n.Status,
		TotalSent:         progress.TotalSent,
		TotalFailed:       progress.TotalFailed,
		CompletedChunks:   progress.CompletedChunks,
		TotalChunks:       totalChunks,
		ChunkResults:      progress.ChunkResults,
		RecipientCount:    n.RecipientCount,
		RetryInProgress:   progress.RetryInProgress,
		CurrentRetryStage: progress.CurrentRetryStage,
		RemainingFailed:   len(progress.FailedEmails),
		SentAt:            n.SentAt,
	}
	snap.IsComplete = isComplete(n.Status, progress.CompletedChunks, totalChunks, progress.RetryInProgress)
	return snap, nil
}

func isComplete(status model.NewsletterStatus, completed, total int, retryPending bool) bool {
	switch status {
	case model.StatusRetrying:
		return false
	case model.StatusSent, model.StatusDraft, model.StatusFailed:
		return true
	}
	return completed >= total && !retryPending
}

// sendSettings applies the overrides stored with the send request on top of
// the current effective settings.
func (s *NewsletterService) sendSettings(ctx context.Context, p *model.SendingProgress) (model.NewsletterSettings, error) {
	settings, err := s.Settings.Get(ctx)
	if err != nil {
		return model.NewsletterSettings{}, err
	}
	return settings.Merge(p.Overrides), nil
}

func (s *NewsletterService) persist(ctx context.Context, id string, status model.NewsletterStatus, progress *model.SendingProgress, sentAt *time.Time) error {
	blob, err := progress.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode sending progress: %w", err)
	}
	return s.Repo.UpdateProgress(ctx, id, status, blob, sentAt)
}

func (s *NewsletterService) content(req ChunkRequest, n *model.Newsletter) Content {
	subject, html := req.Subject, req.HTML
	if subject == "" {
		subject = n.Subject
	}
	if html == "" {
		html = n.Content
	}
	return RenderContent(subject, html, s.now())
}

func chunkOutcome(status model.NewsletterStatus, p *model.SendingProgress, index, sent, failed int, results []model.EmailResult, duplicate bool) *ChunkOutcome {
	return &ChunkOutcome{
		Success:          true,
		ChunkIndex:       index,
		SentCount:        sent,
		FailedCount:      failed,
		Results:          results,
		TotalSent:        p.TotalSent,
		TotalFailed:      p.TotalFailed,
		CompletedChunks:  p.CompletedChunks,
		TotalChunks:      p.TotalChunks,
		IsComplete:       isComplete(status, p.CompletedChunks, p.TotalChunks, p.RetryInProgress),
		Duplicate:        duplicate,
		NewsletterStatus: status,
	}
}

// retryableFailures drops permanently invalid addresses, those are never retried.
func retryableFailures(r *model.ChunkSendResult) []string {
	out := []string{}
	for _, res := range r.Results {
		if !res.Success && res.Error != ReasonInvalidEmail {
			out = append(out, mail.CleanEmail(res.Email))
		}
	}
	return out
}

// ChunkEmails splits emails into consecutive chunks of at most size.
func ChunkEmails(emails []string, size int) [][]string {
	chunks := [][]string{}
	if size <= 0 {
		return chunks
	}
	for start := 0; start < len(emails); start += size {
		end := start + size
		if end > len(emails) {
			end = len(emails)
		}
		chunk := make([]string, end-start)
		copy(chunk, emails[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// ChunkToken identifies one chunk attempt: the same mode, stage, index and
// address set always produce the same token.
func ChunkToken(mode model.SendMode, index, stage int, emails []string) string {
	sorted := append([]string(nil), emails...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(string(mode) + "|" + strconv.Itoa(stage) + "|" + strconv.Itoa(index) + "|"))
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func normalizeEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, mail.CleanEmail(e))
	}
	return out
}

// sameAddresses compares two address lists as sets.
func sameAddresses(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, e := range b {
		set[e] = struct{}{}
	}
	seen := make(map[string]struct{}, len(a))
	for _, e := range a {
		if _, ok := set[e]; !ok {
			return false
		}
		seen[e] = struct{}{}
	}
	return len(seen) == len(set)
}

func lockKey(newsletterID string) string {
	return "newsletter:" + newsletterID
}

func validateRequest(req any) error {
	if err := validate().Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return appErrors.NewValidationError(verrs[0].Field(), "failed on the '"+verrs[0].Tag()+"' rule")
		}
		return appErrors.NewValidationError("", err.Error())
	}
	return nil
}
