// Package receipts hands successful instructions to the external receipt
// generator, fire-and-forget over the queue. The engine guarantees exactly
// one publication per successful instruction and does not depend on the
// generator's result.
package receipts

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/openpension/batch-dispatch/internal/metrics"
	"github.com/openpension/batch-dispatch/internal/types"
)

const PatternReceiptRequest = "receipt-request"

type Config struct {
	BatchSize    int
	PollInterval time.Duration
	DBTimeout    time.Duration
}

type Repository interface {
	ListUnreceipted(ctx context.Context, limit int) ([]types.ReceiptJob, error)
	MarkReceipted(ctx context.Context, batchID string, instrIDs []string) error
}

type Publisher interface {
	Publish(message []byte) error
}

// ReceiptNotification is the queue message consumed by the receipt service.
type ReceiptNotification struct {
	Pattern string           `json:"pattern"`
	Data    types.ReceiptJob `json:"data"`
}

type Notifier struct {
	config    *Config
	publisher Publisher
	repo      Repository
	log       *slog.Logger
}

func New(config *Config, publisher Publisher, repo Repository) *Notifier {
	return &Notifier{
		config:    config,
		publisher: publisher,
		repo:      repo,
		log:       slog.With("component", "receipts"),
	}
}

func (n *Notifier) Run(ctx context.Context) error {
	n.log.Info("Starting receipt notifier")

	pollInterval := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			n.log.Info("Stopping receipt notifier.")
			return ctx.Err()

		case <-time.After(pollInterval):
			pollInterval = n.config.PollInterval
			n.publishPending(ctx)
		}
	}
}

func (n *Notifier) publishPending(ctx context.Context) {
	dbCtx, cancel := context.WithTimeout(ctx, n.config.DBTimeout)
	jobs, err := n.repo.ListUnreceipted(dbCtx, n.config.BatchSize)
	cancel()

	if err != nil {
		n.log.Error("couldn't list unreceipted instructions", "error", err)
		return
	}

	// published instruction ids per batch; only published ones get marked
	published := make(map[string][]string)

	for _, job := range jobs {
		payload := ReceiptNotification{
			Pattern: PatternReceiptRequest,
			Data:    job,
		}

		jsonData, err := json.Marshal(payload)
		if err != nil {
			n.log.Error("error marshaling receipt request",
				"payload", payload, "error", err)
			return
		}

		n.log.Debug("Publishing receipt request",
			"batch", job.BatchID, "instruction", job.Instruction.ID)

		if err := n.publisher.Publish(jsonData); err != nil {
			n.log.Error("couldn't enqueue receipt request",
				"batch", job.BatchID,
				"instruction", job.Instruction.ID,
				"error", err,
			)
			// stop at the first enqueue error, the rest stays
			// unreceipted and is retried next poll
			break
		}

		metrics.ReceiptsPublished.Inc()
		published[job.BatchID] = append(published[job.BatchID], job.Instruction.ID)
	}

	for batchID, instrIDs := range published {
		dbCtx, cancel := context.WithTimeout(ctx, n.config.DBTimeout)
		err := n.repo.MarkReceipted(dbCtx, batchID, instrIDs)
		cancel()

		if err != nil {
			n.log.Error("couldn't persist receipted flags",
				"batch", batchID, "error", err)
		}
	}
}
