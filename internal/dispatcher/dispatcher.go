// Package dispatcher drives the per-batch instruction lifecycle:
// ready -> processing -> success|failed, with invalid absorbing before
// dispatch. All shared state lives in the store; the conditional
// UpdateInstructionStatus write is the only synchronization primitive.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpension/batch-dispatch/internal/gateway"
	"github.com/openpension/batch-dispatch/internal/metrics"
	"github.com/openpension/batch-dispatch/internal/types"

	"github.com/google/uuid"
)

// ErrCodeRetriesExhausted is the synthetic failure code recorded when the
// retry budget is spent on transient rail errors.
const ErrCodeRetriesExhausted = "RETRIES_EXHAUSTED"

type Config struct {
	// FanOut bounds how many instructions of one batch may be processing
	// at once. 1 keeps strict submission order, which the audit trail
	// depends on.
	FanOut int
	// MaxAttempts is the total submission budget per instruction within
	// one dispatch run.
	MaxAttempts int
	// BaseBackoff is doubled per retry, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// CallTimeout bounds each rail request. A timeout classifies as
	// Unavailable and goes against the retry budget.
	CallTimeout time.Duration
	DBTimeout   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FanOut <= 0 {
		out.FanOut = 1
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = 500 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 30 * time.Second
	}
	if out.DBTimeout <= 0 {
		out.DBTimeout = 3 * time.Second
	}
	return out
}

type Repository interface {
	GetBatch(ctx context.Context, batchID string) (types.Batch, error)
	ListInstructions(ctx context.Context, batchID string,
		status *types.InstructionStatus) ([]types.PaymentInstruction, error)
	UpdateInstructionStatus(ctx context.Context, batchID, instrID string,
		from, to types.InstructionStatus,
		update types.InstructionUpdate) (bool, error)
	CountByStatus(ctx context.Context, batchID string) (types.StatusCounts, error)
}

type Gateway interface {
	Submit(ctx context.Context, batchID string,
		instr types.PaymentInstruction) gateway.Outcome
	Lookup(ctx context.Context, key uuid.UUID) (gateway.Outcome, error)
}

type Aggregator interface {
	Recompute(ctx context.Context, batchID string) (types.BatchStatus, error)
}

// Scheduler runs one dispatch run for one batch. Batches are independent;
// the Pool runs one Scheduler per batch.
type Scheduler struct {
	config    Config
	batchID   string
	repo      Repository
	gateway   Gateway
	agg       Aggregator
	cancelled atomic.Bool
	log       *slog.Logger
}

func NewScheduler(config *Config, batchID string, repo Repository, gw Gateway,
	agg Aggregator) *Scheduler {

	return &Scheduler{
		config:  config.withDefaults(),
		batchID: batchID,
		repo:    repo,
		gateway: gw,
		agg:     agg,
		log:     slog.With("component", "dispatcher", "batch", batchID),
	}
}

// Cancel stops submission of further ready instructions. In-flight
// instructions complete; cancelling an already-dispatched transfer would
// leave the funds state ambiguous.
func (s *Scheduler) Cancel() {
	s.cancelled.Store(true)
}

// Run drains the batch's ready instructions through the gateway and
// recomputes the batch status when done. Safe to call after a crash: stuck
// processing instructions are reconciled first, and lost CAS races are
// skipped silently.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Starting dispatch run")

	if _, err := s.repo.GetBatch(ctx, s.batchID); err != nil {
		return fmt.Errorf("load batch: %w", err)
	}

	if err := s.recoverInFlight(ctx); err != nil {
		return err
	}

	ready, err := s.listByStatus(ctx, types.InstructionReady)
	if err != nil {
		return fmt.Errorf("list ready instructions: %w", err)
	}

	work := make(chan types.PaymentInstruction)
	var wg sync.WaitGroup

	for i := 0; i < s.config.FanOut; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for instr := range work {
				s.process(ctx, instr)
			}
		}()
	}

feed:
	for _, instr := range ready {
		// cancellation is cooperative, checked between dispatches
		if s.cancelled.Load() || ctx.Err() != nil {
			s.log.Info("Dispatch interrupted, draining in-flight work")
			break feed
		}
		work <- instr
	}
	close(work)
	wg.Wait()

	status, err := s.agg.Recompute(context.WithoutCancel(ctx), s.batchID)
	if err != nil {
		return fmt.Errorf("recompute batch status: %w", err)
	}

	s.log.Info("Dispatch run finished", "status", status)
	return ctx.Err()
}

// process owns a single instruction from the ready->processing claim to a
// terminal state. The claim is a conditional write: losing it means another
// scheduler (or an earlier incarnation of this one) already has the
// instruction, and the loser walks away.
func (s *Scheduler) process(ctx context.Context, instr types.PaymentInstruction) {
	claimed, err := s.transition(ctx, instr.ID, types.InstructionReady,
		types.InstructionProcessing, types.InstructionUpdate{})
	if err != nil {
		s.log.Error("claim failed", "instruction", instr.ID, "error", err)
		return
	}
	if !claimed {
		s.log.Warn("lost claim race, skipping", "instruction", instr.ID)
		return
	}

	attempt := instr.Attempt

	for {
		metrics.InFlight.Inc()
		outcome := s.submit(ctx, instr)
		metrics.InFlight.Dec()

		attempt++

		switch outcome.Class {
		case gateway.ClassAccepted:
			s.finish(ctx, instr.ID, types.InstructionSuccess, types.InstructionUpdate{
				Attempt:    &attempt,
				GatewayRef: &outcome.GatewayRef,
			})
			metrics.InstructionsDispatched.WithLabelValues("success").Inc()
			return

		case gateway.ClassRejected:
			s.finish(ctx, instr.ID, types.InstructionFailed, types.InstructionUpdate{
				Attempt:      &attempt,
				ErrorCode:    &outcome.Code,
				ErrorMessage: &outcome.Message,
			})
			metrics.InstructionsDispatched.WithLabelValues("failed").Inc()
			s.log.Warn("instruction rejected by rail",
				"instruction", instr.ID, "code", outcome.Code)
			return

		default: // Unavailable
			if attempt >= s.config.MaxAttempts {
				code := ErrCodeRetriesExhausted
				msg := outcome.Message
				if msg == "" {
					msg = fmt.Sprintf("gave up after %d attempts", attempt)
				}
				s.finish(ctx, instr.ID, types.InstructionFailed, types.InstructionUpdate{
					Attempt:      &attempt,
					ErrorCode:    &code,
					ErrorMessage: &msg,
				})
				metrics.InstructionsDispatched.WithLabelValues("failed").Inc()
				return
			}

			metrics.RailRetries.Inc()

			// Requeue, then re-claim after the backoff. The requeued
			// window is observable to a concurrent restart, which is
			// fine: the claim race decides who resubmits, and the
			// idempotency key makes a double submit harmless.
			requeued, err := s.transition(ctx, instr.ID,
				types.InstructionProcessing, types.InstructionReady,
				types.InstructionUpdate{Attempt: &attempt})
			if err != nil || !requeued {
				s.log.Error("requeue failed", "instruction", instr.ID, "error", err)
				return
			}

			if !s.sleep(ctx, s.backoff(attempt)) {
				return
			}

			claimed, err := s.transition(ctx, instr.ID,
				types.InstructionReady, types.InstructionProcessing,
				types.InstructionUpdate{})
			if err != nil || !claimed {
				return
			}
			instr.Attempt = attempt
		}
	}
}

// submit performs the rail call. The call context is detached from batch
// cancellation so an in-flight transfer always runs to its own timeout.
func (s *Scheduler) submit(ctx context.Context,
	instr types.PaymentInstruction) gateway.Outcome {

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		s.config.CallTimeout)
	defer cancel()

	return s.gateway.Submit(callCtx, s.batchID, instr)
}

// recoverInFlight reconciles instructions stuck in processing from a
// crashed run. The rail is the source of truth: a known outcome is applied,
// an unknown key means the request never left, so the instruction is
// requeued for a same-key resubmit.
func (s *Scheduler) recoverInFlight(ctx context.Context) error {
	stuck, err := s.listByStatus(ctx, types.InstructionProcessing)
	if err != nil {
		return fmt.Errorf("list in-flight instructions: %w", err)
	}

	for _, instr := range stuck {
		key := gateway.IdempotencyKey(s.batchID, instr.ID)

		lookupCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		outcome, err := s.gateway.Lookup(lookupCtx, key)
		cancel()

		if err != nil {
			// rail unreachable, leave the instruction as-is rather
			// than risking a blind resubmit
			s.log.Error("reconciliation lookup failed",
				"instruction", instr.ID, "error", err)
			continue
		}

		switch outcome.Class {
		case gateway.ClassAccepted:
			s.finish(ctx, instr.ID, types.InstructionSuccess, types.InstructionUpdate{
				GatewayRef: &outcome.GatewayRef,
			})
			s.log.Info("recovered instruction as success", "instruction", instr.ID)
		case gateway.ClassRejected:
			s.finish(ctx, instr.ID, types.InstructionFailed, types.InstructionUpdate{
				ErrorCode:    &outcome.Code,
				ErrorMessage: &outcome.Message,
			})
			s.log.Info("recovered instruction as failed", "instruction", instr.ID)
		default:
			if _, err := s.transition(ctx, instr.ID,
				types.InstructionProcessing, types.InstructionReady,
				types.InstructionUpdate{}); err != nil {
				return err
			}
			s.log.Info("requeued stuck instruction", "instruction", instr.ID)
		}
	}

	return nil
}

// Progress reports the run's state from persisted instruction rows, so a
// restarted scheduler resumes with correct numbers.
func (s *Scheduler) Progress(ctx context.Context) (types.Progress, error) {
	return ComputeProgress(ctx, s.repo, s.batchID, s.config.DBTimeout)
}

func ComputeProgress(ctx context.Context, repo Repository, batchID string,
	dbTimeout time.Duration) (types.Progress, error) {

	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	counts, err := repo.CountByStatus(dbCtx, batchID)
	if err != nil {
		return types.Progress{}, err
	}

	processing := types.InstructionProcessing
	inFlight, err := repo.ListInstructions(dbCtx, batchID, &processing)
	if err != nil {
		return types.Progress{}, err
	}

	ids := make([]string, 0, len(inFlight))
	for _, instr := range inFlight {
		ids = append(ids, instr.ID)
	}

	return types.Progress{
		ProcessedCount:         counts.Success + counts.Failed + counts.Invalid,
		TotalCount:             counts.Total,
		CurrentlyProcessingIDs: ids,
	}, nil
}

func (s *Scheduler) finish(ctx context.Context, instrID string,
	to types.InstructionStatus, update types.InstructionUpdate) {

	ok, err := s.transition(ctx, instrID, types.InstructionProcessing, to, update)
	if err != nil {
		s.log.Error("terminal transition failed",
			"instruction", instrID, "to", to, "error", err)
		return
	}
	if !ok {
		// Someone else moved the instruction while our call was in
		// flight. The idempotency key guarantees both observed the same
		// rail-side transfer, so there is nothing to repair.
		s.log.Warn("terminal transition conflict",
			"instruction", instrID, "to", to)
	}
}

func (s *Scheduler) transition(ctx context.Context, instrID string,
	from, to types.InstructionStatus, update types.InstructionUpdate) (bool, error) {

	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		s.config.DBTimeout)
	defer cancel()

	return s.repo.UpdateInstructionStatus(dbCtx, s.batchID, instrID, from, to,
		update)
}

func (s *Scheduler) listByStatus(ctx context.Context,
	status types.InstructionStatus) ([]types.PaymentInstruction, error) {

	dbCtx, cancel := context.WithTimeout(ctx, s.config.DBTimeout)
	defer cancel()

	return s.repo.ListInstructions(dbCtx, s.batchID, &status)
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.config.BaseBackoff << (attempt - 1)
	if d > s.config.MaxBackoff || d <= 0 {
		d = s.config.MaxBackoff
	}
	return d
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !s.cancelled.Load()
	}
}
