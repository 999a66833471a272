// internal/consumer/consumer.go
package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"convert-gateway/internal/model"
)

// HandlerFunc processes one quota event. A returned error dead-letters the
// delivery.
type HandlerFunc func(ev model.Event) error

// Consumer reads quota events from the events queue until stopped.
type Consumer struct {
	QueueName   string
	Channel     *amqp.Channel
	StopChan    chan struct{}
	DoneChan    chan struct{}
	Handler     HandlerFunc
	ConsumerTag string

	logger *zap.Logger
}

// StartConsumer starts a goroutine that consumes events from queueName
func StartConsumer(ch *amqp.Channel, queueName, consumerTag string, handler HandlerFunc, logger *zap.Logger) (*Consumer, error) {
	msgs, err := ch.Consume(
		queueName,
		consumerTag,
		false, // autoAck: false to handle manually
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("queue %s: failed to start consuming: %w", queueName, err)
	}

	c := &Consumer{
		QueueName:   queueName,
		Channel:     ch,
		StopChan:    make(chan struct{}),
		DoneChan:    make(chan struct{}),
		Handler:     handler,
		ConsumerTag: consumerTag,
		logger:      logger,
	}

	go c.consumeLoop(msgs)

	logger.Info("Started event consumer", zap.String("queue", queueName))
	return c, nil
}

// consumeLoop processes messages until StopChan is closed
func (c *Consumer) consumeLoop(msgs <-chan amqp.Delivery) {
	defer close(c.DoneChan)

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("Delivery channel closed", zap.String("queue", c.QueueName))
				return
			}
			c.process(msg.Body, msg)

		case <-c.StopChan:
			c.logger.Info("Stopping event consumer", zap.String("queue", c.QueueName))
			_ = c.Channel.Cancel(c.ConsumerTag, false)
			return
		}
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Reject(requeue bool) error
}

// process decodes and handles one body. Undecodable or failing events are
// rejected without requeue so they land in the dead-letter queue.
func (c *Consumer) process(body []byte, ack acknowledger) {
	var ev model.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		c.logger.Warn("Failed to parse event", zap.Error(err))
		_ = ack.Reject(false)
		return
	}
	if err := c.Handler(ev); err != nil {
		c.logger.Warn("Failed to process event",
			zap.String("event_id", ev.ID.String()),
			zap.String("type", ev.Type),
			zap.Error(err))
		_ = ack.Reject(false)
		return
	}
	_ = ack.Ack(false)
}

// Stop signals the consumer to stop and waits for cleanup
func (c *Consumer) Stop() {
	close(c.StopChan)
	<-c.DoneChan
	_ = c.Channel.Close()
}
