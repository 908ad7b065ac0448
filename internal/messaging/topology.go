// Package messaging declares the RabbitMQ topology the service relies on.
package messaging

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel needed to declare topology.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// IngestTopology names the inbound queue and its dead-letter route.
type IngestTopology struct {
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	// DeliveryLimit is the number of redeliveries the broker allows before
	// dead-lettering a message. Zero leaves the broker default.
	DeliveryLimit int
}

// IngestQueueArgs returns the declaration args of the inbound queue. Quorum
// queues track redeliveries, so poison messages are dead-lettered by the
// broker even when every attempt ends in a requeue.
func (t IngestTopology) IngestQueueArgs() amqp.Table {
	args := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	}
	if t.DeliveryLimit > 0 {
		args["x-delivery-limit"] = int64(t.DeliveryLimit)
	}
	return args
}

// DeclareIngestTopology declares the dead-letter exchange and queue, then the
// inbound queue that dead-letters into them.
func DeclareIngestTopology(ch Channel, t IngestTopology) error {
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}

	if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterQueue, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.IngestQueueArgs()); err != nil {
		return fmt.Errorf("declare ingest queue: %w", err)
	}
	return nil
}

// DeclareRequestQueues declares the durable request queue of every origin
// route so requests published before a sub-domain starts are not dropped.
func DeclareRequestQueues(ch Channel, queues []string) error {
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare request queue %s: %w", q, err)
		}
	}
	return nil
}
