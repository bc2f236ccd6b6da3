/**
 * @description
 * RabbitMQ consumer for the payout status queue. The payment backend's webhook
 * bridge publishes settlement events to the disbursement exchange; this consumer
 * binds one durable queue to the status routing keys and feeds every delivery to
 * a single handler whose boolean result drives the ack.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"errors"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer receives payout status deliveries from the disbursement exchange.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer dials RabbitMQ and opens the consuming channel.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
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

	return &Consumer{conn: conn, ch: ch}, nil
}

// Consume declares the durable queue, binds it to the given routing keys on the
// topic exchange, and dispatches every delivery to handler. A true result
// acknowledges the message; false re-queues it for redelivery.
func (c *Consumer) Consume(exchange, queueName string, routingKeys []string, handler func([]byte) bool) error {
	if handler == nil {
		return errors.New("nil delivery handler")
	}
	if len(routingKeys) == 0 {
		return errors.New("no routing keys provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, routingKey := range routingKeys {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			if handler(d.Body) {
				d.Ack(false)
				continue
			}
			log.Printf("level=warn component=rabbitmq_consumer msg=\"handler rejected delivery; re-queuing\" routing_key=%s", d.RoutingKey)
			d.Nack(false, true)
		}
	}()

	return nil
}

// Close shuts down the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
