package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Handler processes one delivery body. Returning false requeues the message.
type Handler func(ctx context.Context, body []byte) bool

// Consumer binds a durable queue to routing keys on a topic exchange.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  zerolog.Logger
}

func NewConsumer(amqpURL string, log zerolog.Logger) (*Consumer, error) {
	cleanURL, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, log: log.With().Str("component", "rabbitmq_consumer").Logger()}, nil
}

// ConsumeWithBindings declares exchange and queue, binds every routing key in
// bindings and dispatches deliveries until ctx is cancelled. Unknown routing
// keys are acknowledged and dropped.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					c.log.Warn().Str("queue", q.Name).Msg("delivery channel closed")
					return
				}
				c.dispatch(ctx, handlers, d)
			}
		}
	}()

	return nil
}

func (c *Consumer) dispatch(ctx context.Context, handlers map[string]Handler, d amqp.Delivery) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		c.log.Warn().Str("routing_key", d.RoutingKey).Msg("no handler for routing key; acknowledging to drop")
		_ = d.Ack(false)
		return
	}
	if handler(ctx, d.Body) {
		_ = d.Ack(false)
		return
	}
	c.log.Warn().Str("routing_key", d.RoutingKey).Msg("handler failed; re-queuing")
	_ = d.Nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
