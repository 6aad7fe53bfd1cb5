// Package inmemory is a mutex-guarded store implementation with the same
// conditional-update semantics as the Postgres backend. It backs tests and
// single-process demo runs.
package inmemory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openpension/batch-dispatch/internal/helpers"
	"github.com/openpension/batch-dispatch/internal/types"

	"github.com/google/uuid"
)

type batchRecord struct {
	batch        types.Batch
	instructions []*types.PaymentInstruction
	receipted    map[string]bool
}

type Repository struct {
	mu      sync.Mutex
	batches map[string]*batchRecord
	order   []string
}

func New() *Repository {
	return &Repository{
		batches: make(map[string]*batchRecord),
	}
}

func (r *Repository) CreateBatch(_ context.Context, currency, initiatedBy string,
	instructions []types.PaymentInstruction) (types.Batch, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	// same normalization the validator applies to instruction currencies
	currency = strings.ToUpper(strings.TrimSpace(currency))

	seen := make(map[string]bool, len(instructions))
	dispatchable := 0

	for _, instr := range instructions {
		if seen[instr.ID] {
			return types.Batch{}, types.ErrDuplicateInstruction
		}
		seen[instr.ID] = true

		// Invalid rows may carry no currency at all; they stay in the
		// batch as an audit record and are not part of the guard.
		if instr.Status != types.InstructionInvalid && instr.Currency != currency {
			return types.Batch{}, types.ErrCurrencyMismatch
		}
		if instr.Status == types.InstructionReady {
			dispatchable++
		}
	}

	if dispatchable == 0 {
		return types.Batch{}, types.ErrEmptyBatch
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	rec := &batchRecord{
		batch: types.Batch{
			ID:          id,
			BatchCode:   helpers.BatchCode(id),
			Currency:    currency,
			Status:      types.BatchPending,
			InitiatedBy: initiatedBy,
			CreatedAt:   now,
		},
		receipted: make(map[string]bool),
	}

	for i, instr := range instructions {
		copied := instr
		copied.Seq = i
		copied.CreatedAt = now
		copied.UpdatedAt = now
		rec.instructions = append(rec.instructions, &copied)
	}

	r.batches[id] = rec
	r.order = append(r.order, id)

	return r.snapshotBatch(rec), nil
}

// UpdateInstructionStatus is the compare-and-swap the scheduler relies on:
// the write happens only if the current status equals from. Returning false
// signals a lost race or a restart, never an error.
func (r *Repository) UpdateInstructionStatus(_ context.Context, batchID string,
	instrID string, from, to types.InstructionStatus,
	update types.InstructionUpdate) (bool, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.batches[batchID]
	if !ok {
		return false, types.ErrBatchNotFound
	}

	for _, instr := range rec.instructions {
		if instr.ID != instrID {
			continue
		}
		if instr.Status != from {
			return false, nil
		}

		instr.Status = to
		instr.UpdatedAt = time.Now().UTC()
		if update.Attempt != nil {
			instr.Attempt = *update.Attempt
		}
		if update.GatewayRef != nil {
			instr.GatewayRef = update.GatewayRef
		}

		// A row entering ready or success carries no error; stale
		// failure details from an earlier run are cleared, not merged.
		if to == types.InstructionReady || to == types.InstructionSuccess {
			instr.ErrorCode = update.ErrorCode
			instr.ErrorMessage = update.ErrorMessage
		} else {
			if update.ErrorCode != nil {
				instr.ErrorCode = update.ErrorCode
			}
			if update.ErrorMessage != nil {
				instr.ErrorMessage = update.ErrorMessage
			}
		}
		return true, nil
	}

	return false, types.ErrInstructionNotFound
}

func (r *Repository) ListInstructions(_ context.Context, batchID string,
	status *types.InstructionStatus) ([]types.PaymentInstruction, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.batches[batchID]
	if !ok {
		return nil, types.ErrBatchNotFound
	}

	out := make([]types.PaymentInstruction, 0, len(rec.instructions))
	for _, instr := range rec.instructions {
		if status != nil && instr.Status != *status {
			continue
		}
		out = append(out, *instr)
	}

	return out, nil
}

func (r *Repository) GetBatch(_ context.Context, batchID string) (types.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.batches[batchID]
	if !ok {
		return types.Batch{}, types.ErrBatchNotFound
	}

	return r.snapshotBatch(rec), nil
}

func (r *Repository) ListBatches(_ context.Context, filter types.BatchFilter) (
	[]types.Batch, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.Batch
	for _, id := range r.order {
		rec := r.batches[id]
		b := r.snapshotBatch(rec)

		if filter.Status != nil && b.Status != *filter.Status {
			continue
		}
		if filter.InitiatedBy != nil && b.InitiatedBy != *filter.InitiatedBy {
			continue
		}
		if filter.From != nil && b.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && b.CreatedAt.After(*filter.To) {
			continue
		}
		out = append(out, b)
	}

	// newest first, matching the reporting screens
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

func (r *Repository) CountByStatus(_ context.Context, batchID string) (
	types.StatusCounts, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.batches[batchID]
	if !ok {
		return types.StatusCounts{}, types.ErrBatchNotFound
	}

	return countInstructions(rec.instructions), nil
}

func (r *Repository) UpdateBatchStatus(_ context.Context, batchID string,
	status types.BatchStatus) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.batches[batchID]
	if !ok {
		return types.ErrBatchNotFound
	}

	rec.batch.Status = status
	return nil
}

func (r *Repository) ListUnreceipted(_ context.Context, limit int) (
	[]types.ReceiptJob, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.ReceiptJob
	for _, id := range r.order {
		rec := r.batches[id]
		for _, instr := range rec.instructions {
			if instr.Status != types.InstructionSuccess || rec.receipted[instr.ID] {
				continue
			}
			out = append(out, types.ReceiptJob{
				BatchID:     rec.batch.ID,
				BatchCode:   rec.batch.BatchCode,
				Currency:    rec.batch.Currency,
				Instruction: *instr,
			})
			if len(out) >= limit {
				return out, nil
			}
		}
	}

	return out, nil
}

func (r *Repository) MarkReceipted(_ context.Context, batchID string,
	instrIDs []string) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.batches[batchID]
	if !ok {
		return types.ErrBatchNotFound
	}

	for _, id := range instrIDs {
		rec.receipted[id] = true
	}
	return nil
}

func (r *Repository) snapshotBatch(rec *batchRecord) types.Batch {
	counts := countInstructions(rec.instructions)

	b := rec.batch
	b.TotalCount = counts.Total
	b.SuccessCount = counts.Success
	b.FailedCount = counts.Failed
	b.InvalidCount = counts.Invalid

	return b
}

func countInstructions(instructions []*types.PaymentInstruction) types.StatusCounts {
	var c types.StatusCounts

	for _, instr := range instructions {
		c.Total++
		switch instr.Status {
		case types.InstructionReady:
			c.Ready++
		case types.InstructionProcessing:
			c.Processing++
		case types.InstructionSuccess:
			c.Success++
		case types.InstructionFailed:
			c.Failed++
		case types.InstructionInvalid:
			c.Invalid++
		}
	}

	return c
}
