package queue

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

type QueueName string

const (
	// QueueImportInstructions carries inbound instruction-import jobs.
	QueueImportInstructions QueueName = "import-instructions"
	// QueueReceiptRequests carries one receipt-generation request per
	// successful instruction, consumed by the external receipt service.
	QueueReceiptRequests QueueName = "receipt-requests"
)

// EnsureQueueExists declares the queue as durable and returns the channel
// used to do it. Declaring is idempotent, so every component can call this
// on startup.
func EnsureQueueExists(conn *amqp.Connection, name QueueName) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		string(name), // name
		true,         // durable
		false,        // autoDelete
		false,        // exclusive
		false,        // noWait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}

	return ch, nil
}

type Publisher struct {
	queueName QueueName
	conn      *amqp.Connection
	log       *slog.Logger
}

func NewPublisher(conn *amqp.Connection, queueName QueueName) *Publisher {
	return &Publisher{
		queueName: queueName,
		conn:      conn,
		log:       slog.With("component", "publisher", "queue", queueName),
	}
}

func (p *Publisher) Publish(message []byte) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	err = ch.Publish(
		"",                  // exchange, empty means direct to queue
		string(p.queueName), // routing key = queue name
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        message,
		},
	)
	if err != nil {
		p.log.Error("Failed to publish", "message", message, "error", err)
		return err
	}

	return nil
}
