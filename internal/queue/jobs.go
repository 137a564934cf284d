package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/unclebandit/newsletter-backend/internal/logger"
)

// ChunkJob asks a worker to send one chunk of the first pass.
type ChunkJob struct {
	JobID        string   `json:"job_id"`
	NewsletterID string   `json:"newsletter_id"`
	ChunkIndex   int      `json:"chunk_index"`
	Emails       []string `json:"emails"`
}

// RetryJob asks a worker to walk the retry stages of a newsletter until it
// is sent or failed. The stage cursor lives in the newsletter itself.
type RetryJob struct {
	JobID        string `json:"job_id"`
	NewsletterID string `json:"newsletter_id"`
}

// JobHandler is implemented by the worker.
type JobHandler interface {
	HandleChunk(ctx context.Context, job ChunkJob) error
	HandleRetry(ctx context.Context, job RetryJob) error
}

// Dispatcher publishes jobs for server-side sending.
type Dispatcher struct {
	Queue Queue
}

func NewDispatcher(q Queue) *Dispatcher {
	return &Dispatcher{Queue: q}
}

func (d *Dispatcher) DispatchChunks(ctx context.Context, newsletterID string, chunks [][]string) error {
	for i, emails := range chunks {
		if err := d.publish(ctx, TopicChunks, ChunkJob{
			JobID:        uuid.NewString(),
			NewsletterID: newsletterID,
			ChunkIndex:   i,
			Emails:       emails,
		}); err != nil {
			return fmt.Errorf("failed to dispatch chunk %d: %w", i, err)
		}
	}
	return nil
}

// DispatchChunk publishes a single chunk, used when resuming an interrupted send.
func (d *Dispatcher) DispatchChunk(ctx context.Context, newsletterID string, index int, emails []string) error {
	return d.publish(ctx, TopicChunks, ChunkJob{
		JobID:        uuid.NewString(),
		NewsletterID: newsletterID,
		ChunkIndex:   index,
		Emails:       emails,
	})
}

func (d *Dispatcher) DispatchRetry(ctx context.Context, newsletterID string) error {
	return d.publish(ctx, TopicRetries, RetryJob{JobID: uuid.NewString(), NewsletterID: newsletterID})
}

func (d *Dispatcher) publish(ctx context.Context, topic string, job any) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return d.Queue.Publish(ctx, topic, body)
}

// StartSubscribers wires both newsletter topics to h.
func StartSubscribers(q Queue, h JobHandler) error {
	l := logger.For("queue")

	err := q.Subscribe(TopicChunks, func(ctx context.Context, body []byte) error {
		var job ChunkJob
		if err := json.Unmarshal(body, &job); err != nil {
			l.Error().Err(err).Msg("invalid chunk job, dropping")
			return nil
		}
		return h.HandleChunk(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicChunks, err)
	}

	err = q.Subscribe(TopicRetries, func(ctx context.Context, body []byte) error {
		var job RetryJob
		if err := json.Unmarshal(body, &job); err != nil {
			l.Error().Err(err).Msg("invalid retry job, dropping")
			return nil
		}
		return h.HandleRetry(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicRetries, err)
	}
	return nil
}
