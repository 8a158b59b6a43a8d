// Package amqp implements the queue protocol on a RabbitMQ quorum queue.
package amqp

import (
	"fmt"

	amqplib "github.com/rabbitmq/amqp091-go"
)

const exchangeName = "tradeguard.direct"

// Topology names the exchanges and queues derived from one work queue name.
type Topology struct {
	Queue string

	// DeliveryLimit dead-letters a message after this many deliveries. Zero disables it.
	DeliveryLimit int
}

func (t Topology) deadLetterExchange() string { return t.Queue + ".dlx" }
func (t Topology) deadLetterQueue() string    { return t.Queue + ".dlq" }
func (t Topology) routingKey() string         { return t.Queue }

func (t Topology) queueArgs() amqplib.Table {
	args := amqplib.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    t.deadLetterExchange(),
		"x-dead-letter-routing-key": t.deadLetterQueue(),
	}
	if t.DeliveryLimit > 0 {
		args["x-delivery-limit"] = t.DeliveryLimit
	}
	return args
}

// declare makes sure the exchange, the work queue and its dead letter queue exist. Every
// declaration is idempotent so consumers and publishers both call it.
func (t Topology) declare(ch *amqplib.Channel) error {
	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(t.deadLetterExchange(), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare dlx: %w", err)
	}
	if _, err := ch.QueueDeclare(t.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare dlq: %w", err)
	}
	if err := ch.QueueBind(t.deadLetterQueue(), t.deadLetterQueue(), t.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("amqp: bind dlq: %w", err)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.queueArgs()); err != nil {
		return fmt.Errorf("amqp: declare queue: %w", err)
	}
	if err := ch.QueueBind(t.Queue, t.routingKey(), exchangeName, false, nil); err != nil {
		return fmt.Errorf("amqp: bind queue: %w", err)
	}
	return nil
}
