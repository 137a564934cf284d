// internal/service/retry_controller.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/model"
)

type RetryResult struct {
	Success               bool                   `json:"success"`
	Stage                 int                    `json:"stage"`
	ChunkIndex            int                    `json:"chunkIndex"`
	ProcessedEmails       int                    `json:"processedEmails"`
	SentCount             int                    `json:"sentCount"`
	FailedCount           int                    `json:"failedCount"`
	RemainingFailedEmails []string               `json:"remainingFailedEmails"`
	IsComplete            bool                   `json:"isComplete"`
	Duplicate             bool                   `json:"duplicate,omitempty"`
	NewsletterStatus      model.NewsletterStatus `json:"newsletterStatus"`
}

// RetryChunk resends a subset of the failed recipients at the current retry
// stage. Addresses that are not (or no longer) failed are skipped. When every
// attempted address fails again the stage advances to the next, smaller
// chunk size; past the last stage the newsletter is marked failed.
func (s *NewsletterService) RetryChunk(ctx context.Context, req ChunkRequest) (*RetryResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	l := logger.For("retry-chunk").With().
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
	token := ChunkToken(model.ModeRetry, req.ChunkIndex, progress.CurrentRetryStage, emails)
	if done, ok := progress.Processed(token); ok {
		l.Info().Msg("retry chunk already processed, returning stored result")
		return &RetryResult{
			Success:               true,
			Stage:                 progress.CurrentRetryStage,
			ChunkIndex:            req.ChunkIndex,
			ProcessedEmails:       done.SentCount + done.FailedCount,
			SentCount:             done.SentCount,
			FailedCount:           done.FailedCount,
			RemainingFailedEmails: append([]string{}, progress.FailedEmails...),
			IsComplete:            n.Status != model.StatusRetrying,
			Duplicate:             true,
			NewsletterStatus:      n.Status,
		}, nil
	}

	if n.Status != model.StatusRetrying {
		return nil, appErrors.InvalidState("newsletter %s is %s, not retrying", n.ID, n.Status)
	}

	attempt := make([]string, 0, len(emails))
	for _, e := range emails {
		if progress.IsFailed(e) {
			attempt = append(attempt, e)
		}
	}
	stage := progress.CurrentRetryStage
	if len(attempt) == 0 {
		l.Info().Msg("no failed recipients in retry chunk, nothing to send")
		return &RetryResult{
			Success:               true,
			Stage:                 stage,
			ChunkIndex:            req.ChunkIndex,
			RemainingFailedEmails: append([]string{}, progress.FailedEmails...),
			IsComplete:            false,
			NewsletterStatus:      n.Status,
		}, nil
	}

	settings, err := s.sendSettings(ctx, progress)
	if err != nil {
		return nil, err
	}
	result := s.Sender.ProcessSendingChunk(ctx, attempt, n.ID, settings, model.ModeRetry, s.content(req, n))

	succeeded := normalizeEmails(result.Succeeded())
	now := s.now()
	progress.RecordRetryChunk(token, req.ChunkIndex, succeeded, result.FailedCount, now)

	status := model.StatusRetrying
	var sentAt *time.Time
	switch {
	case len(progress.FailedEmails) == 0:
		status = model.StatusSent
		progress.RetryInProgress = false
		sentAt = &now
	case len(succeeded) == 0:
		progress.CurrentRetryStage++
		s.Metrics.StageAdvanced()
		l.Warn().
			Int("stage", progress.CurrentRetryStage).
			Int("remaining", len(progress.FailedEmails)).
			Msg("retry attempt failed entirely, advancing stage")
		if progress.StagesExhausted() {
			status = model.StatusFailed
			progress.RetryInProgress = false
		}
	}

	if err := s.persist(ctx, n.ID, status, progress, sentAt); err != nil {
		return nil, err
	}

	l.Info().
		Int("stage", stage).
		Int("attempted", len(attempt)).
		Int("sent", len(succeeded)).
		Int("failed", result.FailedCount).
		Int("remaining", len(progress.FailedEmails)).
		Str("status", string(status)).
		Msg("retry chunk processed")

	return &RetryResult{
		Success:               true,
		Stage:                 progress.CurrentRetryStage,
		ChunkIndex:            req.ChunkIndex,
		ProcessedEmails:       len(attempt),
		SentCount:             len(succeeded),
		FailedCount:           result.FailedCount,
		RemainingFailedEmails: append([]string{}, progress.FailedEmails...),
		IsComplete:            status != model.StatusRetrying,
		NewsletterStatus:      status,
	}, nil
}

// RetryPlanResult partitions the failed recipients by the chunk size of the
// current stage.
type RetryPlanResult struct {
	NewsletterID     string                 `json:"newsletterId"`
	Stage            int                    `json:"stage"`
	ChunkSize        int                    `json:"chunkSize"`
	Chunks           [][]string             `json:"chunks"`
	NewsletterStatus model.NewsletterStatus `json:"newsletterStatus"`
}

func (s *NewsletterService) RetryPlan(ctx context.Context, id string) (*RetryPlanResult, error) {
	if strings.TrimSpace(id) == "" {
		return nil, appErrors.NewValidationError("id", "newsletter id is required")
	}
	n, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	progress, err := n.Progress()
	if err != nil {
		return nil, err
	}

	plan := &RetryPlanResult{
		NewsletterID:     n.ID,
		Stage:            progress.CurrentRetryStage,
		Chunks:           [][]string{},
		NewsletterStatus: n.Status,
	}
	if n.Status != model.StatusRetrying {
		return plan, nil
	}
	size, ok := progress.CurrentRetryChunkSize()
	if !ok {
		return plan, nil
	}
	plan.ChunkSize = size
	plan.Chunks = ChunkEmails(progress.FailedEmails, size)
	return plan, nil
}
