package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/unclebandit/newsletter-backend/internal/logger"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes jobs to durable RabbitMQ queues named after the topic.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	mu         sync.Mutex
	declared   map[string]bool
	MaxRetries int
	// Backoff returns the delay before republishing retry n (starting at 1).
	Backoff func(attempt int) time.Duration

	sleep     func(time.Duration)
	republish func(topic string, body []byte, retries int32) error
}

func DialAMQP(url string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	// one unacked job at a time per consumer
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	return &AMQPQueue{conn: conn, ch: ch, declared: map[string]bool{}, MaxRetries: defaultMaxRetries}, nil
}

func (q *AMQPQueue) declare(topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[topic] {
		return nil
	}
	_, err := q.ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, body []byte) error {
	return q.publish(topic, body, 0)
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int32) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Headers:      amqp.Table{retryHeader: retries},
		Body:         body,
	})
}

func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for d := range msgs {
			q.handleDelivery(topic, handler, d)
		}
		logger.For("queue").Info().Str("topic", topic).Msg("consumer stopped")
	}()
	return nil
}

// handleDelivery runs handler on one message. A failed job is held unacked
// for the backoff delay, then republished with a bumped retry counter.
func (q *AMQPQueue) handleDelivery(topic string, handler Handler, d amqp.Delivery) {
	l := logger.For("queue").With().Str("topic", topic).Str("message_id", d.MessageId).Logger()

	err := handler(context.Background(), d.Body)
	if err == nil {
		d.Ack(false)
		return
	}
	retries := retryCount(d.Headers)
	l.Warn().Err(err).Int32("retry", retries).Msg("job failed")
	if int(retries) >= q.MaxRetries {
		l.Error().Err(err).Msg("job permanently failed")
		d.Ack(false)
		return
	}

	delay := q.retryDelay(int(retries) + 1)
	if q.sleep != nil {
		q.sleep(delay)
	} else {
		time.Sleep(delay)
	}

	republish := q.republish
	if republish == nil {
		republish = q.publish
	}
	// republish with a bumped counter, a plain requeue would lose it
	if perr := republish(topic, d.Body, retries+1); perr != nil {
		l.Error().Err(perr).Msg("failed to requeue job")
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func (q *AMQPQueue) retryDelay(attempt int) time.Duration {
	if q.Backoff != nil {
		return q.Backoff(attempt)
	}
	return backoffDelay(attempt)
}

func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 0
}
