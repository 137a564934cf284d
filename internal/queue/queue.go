package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ecodeclub/ekit/retry"

	"github.com/unclebandit/newsletter-backend/internal/logger"
)

const (
	TopicChunks  = "newsletter_chunks"
	TopicRetries = "newsletter_retries"

	defaultMaxRetries = 3

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// Handler processes one job body. Returning an error requeues the job until
// its retries run out.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// InMemoryQueue delivers jobs inside the server process. Every topic is
// consumed by a single goroutine so chunks of one topic are handled in order.
type InMemoryQueue struct {
	mu         sync.Mutex
	topics     map[string]chan []byte
	wg         sync.WaitGroup
	closed     bool
	MaxRetries int
	// Backoff returns the delay before retry attempt n (starting at 1).
	Backoff func(attempt int) time.Duration
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		topics:     make(map[string]chan []byte),
		MaxRetries: defaultMaxRetries,
	}
}

func (q *InMemoryQueue) topic(name string) chan []byte {
	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan []byte, 1024)
		q.topics[name] = ch
	}
	return ch
}

func (q *InMemoryQueue) Publish(ctx context.Context, topic string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	select {
	case q.topic(topic) <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("topic %s is full", topic)
	}
}

func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	ch := q.topic(topic)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for body := range ch {
			q.processJob(topic, handler, body)
		}
	}()
	return nil
}

// Close stops accepting jobs and waits for the queued ones to drain.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ch := range q.topics {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler Handler, body []byte) {
	l := logger.For("queue").With().Str("topic", topic).Logger()
	backoff := q.backoffStrategy()

	for attempt := 0; ; attempt++ {
		err := handler(context.Background(), body)
		if err == nil {
			return
		}
		l.Warn().Err(err).Int("attempt", attempt+1).Int("max_retries", q.MaxRetries).Msg("job failed")

		delay, ok := backoff(attempt + 1)
		if !ok || attempt >= q.MaxRetries {
			l.Error().Err(err).Msg("job permanently failed")
			return
		}
		time.Sleep(delay)
	}
}

func (q *InMemoryQueue) backoffStrategy() func(int) (time.Duration, bool) {
	if q.Backoff != nil {
		return func(n int) (time.Duration, bool) { return q.Backoff(n), true }
	}
	s, err := retry.NewExponentialBackoffRetryStrategy(retryInitialInterval, retryMaxInterval, int32(q.MaxRetries))
	if err != nil {
		return func(int) (time.Duration, bool) { return 0, false }
	}
	return func(int) (time.Duration, bool) { return s.Next() }
}

// backoffDelay returns the exponential delay before retry n (starting at 1),
// capped at retryMaxInterval.
func backoffDelay(n int) time.Duration {
	s, err := retry.NewExponentialBackoffRetryStrategy(retryInitialInterval, retryMaxInterval, 0)
	if err != nil {
		return retryInitialInterval
	}
	d := retryInitialInterval
	for i := 0; i < n; i++ {
		d, _ = s.Next()
	}
	return d
}
