// internal/messaging/rabbit.go
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"convert-gateway/internal/model"
)

// Publisher delivers quota events. Delivery is best effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
	Close() error
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, model.Event) error { return nil }

func (NoopPublisher) Close() error { return nil }

type RabbitClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *zap.Logger

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
}

func NewRabbitClient(url, queue string, logger *zap.Logger) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	r := &RabbitClient{
		conn:    conn,
		channel: ch,
		queue:   queue,
		logger:  logger,
	}
	if err := r.DeclareQueue(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// OpenChannel opens a fresh channel on the shared connection, e.g. for a
// consumer that must not share the publishing channel.
func (r *RabbitClient) OpenChannel() (*amqp.Channel, error) {
	return r.conn.Channel()
}

// Queue returns the events queue name.
func (r *RabbitClient) Queue() string {
	return r.queue
}

// DeclareQueue creates the durable events queue and its dead-letter queue
func (r *RabbitClient) DeclareQueue() error {
	dlqName := r.queue + "_dlq"

	// 1. DLQ
	_, err := r.channel.QueueDeclare(
		dlqName,
		true, false, false, false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare DLQ: %w", err)
	}

	// 2. Main Queue with DLQ binding
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	}
	_, err = r.channel.QueueDeclare(
		r.queue,
		true, false, false, false,
		args,
	)
	if err != nil {
		return fmt.Errorf("declare main queue: %w", err)
	}

	r.logger.Info("Event queues declared", zap.String("queue", r.queue))
	return nil
}

// Publish sends an event to the events queue
func (r *RabbitClient) Publish(_ context.Context, ev model.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	err = r.channel.Publish(
		"",      // default exchange
		r.queue, // routing key (queue name)
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID.String(),
			Type:         ev.Type,
			Timestamp:    ev.CreatedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", r.queue, err)
	}
	return nil
}

// Close cleans up connection and channel
func (r *RabbitClient) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	if err := r.conn.Close(); err != nil {
		return err
	}
	return nil
}
