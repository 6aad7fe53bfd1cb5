// Package importer feeds the engine from the queue: upstream systems (file
// upload workers, legacy exports) publish instruction lists as import jobs,
// and every job becomes one batch.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openpension/batch-dispatch/internal/queue"
	"github.com/openpension/batch-dispatch/internal/types"
	"github.com/openpension/batch-dispatch/internal/validator"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Config struct {
	DBTimeout time.Duration
}

// ImportMessage is one inbound import job.
type ImportMessage struct {
	Currency     string         `json:"currency"`
	InitiatedBy  string         `json:"initiatedBy"`
	AutoDispatch bool           `json:"autoDispatch"`
	Records      []types.Record `json:"records"`
}

type Repository interface {
	CreateBatch(ctx context.Context, currency, initiatedBy string,
		instructions []types.PaymentInstruction) (types.Batch, error)
}

type Dispatcher interface {
	Dispatch(batchID string) error
}

type Importer struct {
	config    *Config
	conn      *amqp.Connection
	repo      Repository
	pool      Dispatcher
	channel   *amqp.Channel
	log       *slog.Logger
	reconnect bool
}

func New(config *Config, conn *amqp.Connection, repo Repository,
	pool Dispatcher) *Importer {

	return &Importer{
		config: config,
		conn:   conn,
		repo:   repo,
		pool:   pool,
		log:    slog.With("component", "importer"),
	}
}

func (i *Importer) Run(ctx context.Context) error {
	i.log.Info("Starting importer")

	ch, err := queue.EnsureQueueExists(i.conn, queue.QueueImportInstructions)
	if err != nil {
		return err
	}
	// we'll open a new channel for the consumer anyway
	ch.Close()

	messages, err := i.restartConsumer()
	if err != nil {
		return err
	}

	for {
		if i.reconnect {
			i.log.Debug("Reconnection is needed")

			messages, err = i.restartConsumer()
			if err != nil {
				return err
			}

			i.reconnect = false
		}

		select {
		case <-ctx.Done():
			i.log.Info("Stopping importer...")
			return ctx.Err()

		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("import queue is closed")
			}

			i.handleMessage(ctx, msg)
		}
	}
}

func (i *Importer) restartConsumer() (<-chan amqp.Delivery, error) {
	if i.channel != nil && !i.channel.IsClosed() {
		i.channel.Close()
	}

	ch, err := i.conn.Channel()
	if err != nil {
		return nil, err
	}

	i.channel = ch

	return ch.Consume(
		string(queue.QueueImportInstructions), // queue
		"importer",                            // consumer
		false,                                 // autoAck
		false,                                 // exclusive
		false,                                 // noLocal
		false,                                 // no wait
		nil,                                   // args
	)
}

// handleMessage turns one import job into a batch. Malformed or domain-level
// broken jobs are acked away: requeueing them would loop forever. Only infra
// failures (store down, ack error) trigger a reconnect.
func (i *Importer) handleMessage(ctx context.Context, message amqp.Delivery) {
	var job ImportMessage

	if err := json.Unmarshal(message.Body, &job); err != nil {
		i.log.Error("import job unmarshalling error",
			"body", string(message.Body), "error", err)
		i.ack(message)
		return
	}

	instructions := validator.BuildInstructions(job.Records)

	dbCtx, cancel := context.WithTimeout(ctx, i.config.DBTimeout)
	batch, err := i.repo.CreateBatch(dbCtx, job.Currency, job.InitiatedBy,
		instructions)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, types.ErrCurrencyMismatch),
		errors.Is(err, types.ErrDuplicateInstruction),
		errors.Is(err, types.ErrEmptyBatch):
		i.log.Warn("rejected import job", "error", err,
			"records", len(job.Records))
		i.ack(message)
		return
	default:
		i.log.Error("couldn't persist imported batch", "error", err)
		i.reconnect = true
		return
	}

	i.log.Info("Imported batch",
		"batch", batch.ID,
		"code", batch.BatchCode,
		"instructions", batch.TotalCount,
	)

	if job.AutoDispatch {
		if err := i.pool.Dispatch(batch.ID); err != nil {
			i.log.Error("couldn't start dispatch for imported batch",
				"batch", batch.ID, "error", err)
		}
	}

	i.ack(message)
}

func (i *Importer) ack(message amqp.Delivery) {
	if err := message.Ack(false); err != nil {
		// unacked messages pile up against the prefetch window until the
		// consumer stalls, so reconnect right away
		i.log.Error("Message ack error", "error", err)
		i.reconnect = true
	}
}
