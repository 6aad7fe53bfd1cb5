// Package aggregator derives batch-level status from instruction states. It
// runs in two modes: live, against a first-class batch in the store, and
// reconciliation, against a flat transaction log that only shares a batch
// key. Both produce the same Batch view.
package aggregator

import (
	"context"
	"log/slog"
	"sort"

	"github.com/openpension/batch-dispatch/internal/types"
)

type Repository interface {
	CountByStatus(ctx context.Context, batchID string) (types.StatusCounts, error)
	UpdateBatchStatus(ctx context.Context, batchID string, status types.BatchStatus) error
}

type Aggregator struct {
	repo Repository
	log  *slog.Logger
}

func New(repo Repository) *Aggregator {
	return &Aggregator{
		repo: repo,
		log:  slog.With("component", "aggregator"),
	}
}

// DeriveStatus is the single status rule both modes share.
func DeriveStatus(c types.StatusCounts) types.BatchStatus {
	switch {
	case c.Pending() > 0:
		return types.BatchPending
	case c.Failed == 0:
		return types.BatchCompleted
	case c.Success == 0:
		return types.BatchFailed
	default:
		return types.BatchPartial
	}
}

// Recompute re-derives the batch status from persisted instruction counts and
// writes it back. Counts are never trusted from the batch row itself.
func (a *Aggregator) Recompute(ctx context.Context, batchID string) (
	types.BatchStatus, error) {

	counts, err := a.repo.CountByStatus(ctx, batchID)
	if err != nil {
		return "", err
	}

	status := DeriveStatus(counts)

	if err := a.repo.UpdateBatchStatus(ctx, batchID, status); err != nil {
		return "", err
	}

	a.log.Debug("recomputed batch status",
		"batch", batchID,
		"status", status,
		"success", counts.Success,
		"failed", counts.Failed,
		"invalid", counts.Invalid,
		"pending", counts.Pending(),
	)

	return status, nil
}

// ReconcileLog groups a flat transaction log by batch key and derives a Batch
// view per group, without any pre-existing batch aggregate. Historical data
// predating the engine arrives this way. Output is ordered by the earliest
// row of each group.
func ReconcileLog(rows []types.TransactionRow) []types.Batch {
	groups := make(map[string]*types.Batch)
	countsByKey := make(map[string]*types.StatusCounts)
	var order []string

	for _, row := range rows {
		b, ok := groups[row.BatchKey]
		if !ok {
			b = &types.Batch{
				ID:          row.BatchKey,
				BatchCode:   row.BatchCode,
				Currency:    row.Currency,
				InitiatedBy: row.InitiatedBy,
				CreatedAt:   row.CreatedAt,
			}
			groups[row.BatchKey] = b
			countsByKey[row.BatchKey] = &types.StatusCounts{}
			order = append(order, row.BatchKey)
		}

		if row.CreatedAt.Before(b.CreatedAt) {
			b.CreatedAt = row.CreatedAt
		}

		c := countsByKey[row.BatchKey]
		c.Total++
		switch row.Status {
		case types.InstructionSuccess:
			c.Success++
		case types.InstructionFailed:
			c.Failed++
		case types.InstructionInvalid:
			c.Invalid++
		case types.InstructionProcessing:
			c.Processing++
		default:
			c.Ready++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return groups[order[i]].CreatedAt.Before(groups[order[j]].CreatedAt)
	})

	out := make([]types.Batch, 0, len(groups))
	for _, key := range order {
		b := groups[key]
		c := countsByKey[key]

		b.TotalCount = c.Total
		b.SuccessCount = c.Success
		b.FailedCount = c.Failed
		b.InvalidCount = c.Invalid
		b.Status = DeriveStatus(*c)

		out = append(out, *b)
	}

	return out
}
