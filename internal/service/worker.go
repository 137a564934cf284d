package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/queue"
)

// Worker sends queued chunks and walks retry stages on behalf of the server.
type Worker struct {
	Newsletters *NewsletterService
	// Sleep waits ChunkDelay between chunks; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

var _ queue.JobHandler = (*Worker)(nil)

// Constructor
func NewWorker(svc *NewsletterService) *Worker {
	return &Worker{Newsletters: svc}
}

func (w *Worker) HandleChunk(ctx context.Context, job queue.ChunkJob) error {
	l := logger.For("worker").With().Str("newsletter_id", job.NewsletterID).Int("chunk_index", job.ChunkIndex).Logger()

	out, err := w.Newsletters.SendChunk(ctx, ChunkRequest{
		NewsletterID: job.NewsletterID,
		ChunkEmails:  job.Emails,
		ChunkIndex:   job.ChunkIndex,
	})
	if err != nil {
		if permanent(err) {
			l.Warn().Err(err).Msg("dropping chunk job")
			return nil
		}
		return err
	}
	l.Info().Int("sent", out.SentCount).Int("failed", out.FailedCount).Msg("chunk job done")
	return w.pause(ctx)
}

// HandleRetry replans after every pass until the newsletter leaves the
// retrying state. Each pass either removes failed recipients or advances the
// stage, so the loop ends.
func (w *Worker) HandleRetry(ctx context.Context, job queue.RetryJob) error {
	l := logger.For("worker").With().Str("newsletter_id", job.NewsletterID).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		plan, err := w.Newsletters.RetryPlan(ctx, job.NewsletterID)
		if err != nil {
			if permanent(err) {
				l.Warn().Err(err).Msg("dropping retry job")
				return nil
			}
			return err
		}
		if plan.NewsletterStatus != model.StatusRetrying || len(plan.Chunks) == 0 {
			l.Info().Str("status", string(plan.NewsletterStatus)).Msg("retry job done")
			return nil
		}

		for i, chunk := range plan.Chunks {
			res, err := w.Newsletters.RetryChunk(ctx, ChunkRequest{
				NewsletterID: job.NewsletterID,
				ChunkEmails:  chunk,
				ChunkIndex:   i,
			})
			if err != nil {
				if permanent(err) {
					l.Warn().Err(err).Msg("dropping retry job")
					return nil
				}
				return err
			}
			if res.IsComplete {
				l.Info().Str("status", string(res.NewsletterStatus)).Msg("retry job done")
				return nil
			}
			if err := w.pause(ctx); err != nil {
				return err
			}
			if res.Stage != plan.Stage {
				break
			}
		}
	}
}

// Resume requeues the unfinished work of newsletters left in sending or
// retrying, e.g. after a worker restart.
func (w *Worker) Resume(ctx context.Context, d *queue.Dispatcher) error {
	l := logger.For("worker")
	pending, err := w.Newsletters.Repo.ListByStatus(ctx, model.StatusSending, model.StatusRetrying)
	if err != nil {
		return fmt.Errorf("failed to list unfinished newsletters: %w", err)
	}
	for _, n := range pending {
		if n.Status == model.StatusRetrying {
			if err := d.DispatchRetry(ctx, n.ID); err != nil {
				return err
			}
			l.Info().Str("newsletter_id", n.ID).Msg("resumed retry")
			continue
		}
		progress, err := n.Progress()
		if err != nil {
			l.Error().Err(err).Str("newsletter_id", n.ID).Msg("cannot resume newsletter with corrupted progress")
			continue
		}
		done := map[int]bool{}
		for _, r := range progress.ChunkResults {
			done[r.ChunkIndex] = true
		}
		resumed := 0
		for i, chunk := range ChunkEmails(progress.Recipients, progress.ChunkSize) {
			if done[i] {
				continue
			}
			if err := d.DispatchChunk(ctx, n.ID, i, chunk); err != nil {
				return err
			}
			resumed++
		}
		l.Info().Str("newsletter_id", n.ID).Int("chunks", resumed).Msg("resumed sending")
	}
	return nil
}

func (w *Worker) pause(ctx context.Context) error {
	settings, err := w.Newsletters.Settings.Get(ctx)
	if err != nil || settings.ChunkDelay <= 0 {
		return nil
	}
	if w.Sleep != nil {
		return w.Sleep(ctx, settings.ChunkDelay)
	}
	timer := time.NewTimer(settings.ChunkDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// permanent errors are not fixed by redelivering the job.
func permanent(err error) bool {
	return appErrors.IsNotFound(err) ||
		appErrors.IsValidation(err) ||
		errors.Is(err, appErrors.ErrInvalidState) ||
		errors.Is(err, model.ErrCorruptedProgress)
}
