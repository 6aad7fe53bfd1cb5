package dispatcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openpension/batch-dispatch/internal/errors"
	"github.com/openpension/batch-dispatch/internal/types"
)

// Pool runs at most one Scheduler per batch. Batches dispatch concurrently
// and independently; one batch waiting on the rail never blocks another.
type Pool struct {
	config  *Config
	repo    Repository
	gateway Gateway
	agg     Aggregator

	mu      sync.Mutex
	running map[string]*Scheduler
	ctx     context.Context
	wg      sync.WaitGroup
	log     *slog.Logger
}

func NewPool(config *Config, repo Repository, gw Gateway, agg Aggregator) *Pool {
	return &Pool{
		config:  config,
		repo:    repo,
		gateway: gw,
		agg:     agg,
		running: make(map[string]*Scheduler),
		log:     slog.With("component", "dispatch-pool"),
	}
}

// Run parks until shutdown, then waits for every in-flight scheduler to
// drain. Must be started before Dispatch is called.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.log.Info("Starting dispatch pool")

	<-ctx.Done()

	p.log.Info("Stopping dispatch pool, waiting for running batches...")
	p.wg.Wait()

	return ctx.Err()
}

// Dispatch starts a dispatch run for the batch. A batch has a single driver:
// a second Dispatch while one is running is rejected.
func (p *Pool) Dispatch(batchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return errors.New(errors.CodeDispatchNotReady, "dispatch pool not started", nil)
	}

	if _, ok := p.running[batchID]; ok {
		return errors.New(errors.CodeDispatchRunning,
			"batch dispatch already in progress", nil)
	}

	s := NewScheduler(p.config, batchID, p.repo, p.gateway, p.agg)
	p.running[batchID] = s

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, batchID)
			p.mu.Unlock()
		}()

		if err := s.Run(p.ctx); err != nil && p.ctx.Err() == nil {
			p.log.Error("dispatch run failed", "batch", batchID, "error", err)
		}
	}()

	return nil
}

// Redispatch moves the batch's failed instructions back to ready with a
// fresh attempt budget and starts a new run. Idempotency keys are stable
// per instruction, so a transfer that actually went through on the rail is
// collapsed rather than paid twice.
func (p *Pool) Redispatch(ctx context.Context, batchID string) (int, error) {
	failed := types.InstructionFailed
	instructions, err := p.repo.ListInstructions(ctx, batchID, &failed)
	if err != nil {
		return 0, err
	}

	requeued := 0
	zero := 0
	for _, instr := range instructions {
		ok, err := p.repo.UpdateInstructionStatus(ctx, batchID, instr.ID,
			types.InstructionFailed, types.InstructionReady,
			types.InstructionUpdate{Attempt: &zero})
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
		}
	}

	if requeued == 0 {
		return 0, errors.New(errors.CodeEmptyBatch,
			"no failed instructions to redispatch", nil)
	}

	return requeued, p.Dispatch(batchID)
}

// Cancel asks a running scheduler to stop feeding new instructions. Returns
// false when the batch has no active run.
func (p *Pool) Cancel(batchID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.running[batchID]
	if !ok {
		return false
	}

	s.Cancel()
	return true
}

// Running reports whether the batch currently has an active dispatch run.
func (p *Pool) Running(batchID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.running[batchID]
	return ok
}

// Progress derives the batch's dispatch progress from the store regardless
// of whether a scheduler is currently running.
func (p *Pool) Progress(ctx context.Context, batchID string) (types.Progress, error) {
	cfg := p.config.withDefaults()
	return ComputeProgress(ctx, p.repo, batchID, cfg.DBTimeout)
}
