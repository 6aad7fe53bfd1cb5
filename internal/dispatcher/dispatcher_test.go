package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/openpension/batch-dispatch/internal/aggregator"
	apperrors "github.com/openpension/batch-dispatch/internal/errors"
	"github.com/openpension/batch-dispatch/internal/gateway"
	"github.com/openpension/batch-dispatch/internal/repository/inmemory"
	"github.com/openpension/batch-dispatch/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// fakeGateway scripts per-instruction outcomes. Unscripted submissions are
// accepted. A blocking channel, when set, holds every submission open until
// released.
type fakeGateway struct {
	mu       sync.Mutex
	outcomes map[string][]gateway.Outcome
	lookups  map[string]gateway.Outcome
	calls    []string
	block    chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		outcomes: make(map[string][]gateway.Outcome),
		lookups:  make(map[string]gateway.Outcome),
	}
}

func (f *fakeGateway) script(instrID string, outcomes ...gateway.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[instrID] = append(f.outcomes[instrID], outcomes...)
}

func (f *fakeGateway) Submit(_ context.Context, _ string,
	instr types.PaymentInstruction) gateway.Outcome {

	f.mu.Lock()
	f.calls = append(f.calls, instr.ID)
	queued := f.outcomes[instr.ID]
	var out gateway.Outcome
	if len(queued) > 0 {
		out = queued[0]
		f.outcomes[instr.ID] = queued[1:]
	} else {
		out = gateway.Outcome{Class: gateway.ClassAccepted, GatewayRef: "tr-" + instr.ID}
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	return out
}

func (f *fakeGateway) Lookup(_ context.Context, key uuid.UUID) (gateway.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if out, ok := f.lookups[key.String()]; ok {
		return out, nil
	}
	return gateway.Outcome{Class: gateway.ClassUnavailable,
		Message: "transfer unknown to rail"}, nil
}

func (f *fakeGateway) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func readyInstruction(id string) types.PaymentInstruction {
	return types.PaymentInstruction{
		ID:           id,
		PayerRef:     "pension-fund-7",
		PayeeIDType:  "MSISDN",
		PayeeIDValue: "25678012345" + id,
		Amount:       decimal.NewFromInt(100),
		Currency:     "UGX",
		Status:       types.InstructionReady,
	}
}

func fastConfig() *Config {
	return &Config{
		FanOut:      1,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		CallTimeout: time.Second,
		DBTimeout:   time.Second,
	}
}

func newTestBatch(t *testing.T, repo *inmemory.Repository,
	instructions ...types.PaymentInstruction) types.Batch {
	t.Helper()

	batch, err := repo.CreateBatch(context.Background(), "UGX", "ops", instructions)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return batch
}

func instructionByID(t *testing.T, repo *inmemory.Repository, batchID,
	instrID string) types.PaymentInstruction {
	t.Helper()

	instructions, err := repo.ListInstructions(context.Background(), batchID, nil)
	if err != nil {
		t.Fatalf("ListInstructions: %v", err)
	}
	for _, instr := range instructions {
		if instr.ID == instrID {
			return instr
		}
	}
	t.Fatalf("instruction %s not found", instrID)
	return types.PaymentInstruction{}
}

func TestScheduler_DispatchesInOrder(t *testing.T) {
	repo := inmemory.New()
	gw := newFakeGateway()

	// past 9 rows, ordinal ids sort wrong as text ("10" < "2"); input
	// order must hold regardless
	var instructions []types.PaymentInstruction
	var wantOrder []string
	for i := 1; i <= 12; i++ {
		id := strconv.Itoa(i)
		instructions = append(instructions, readyInstruction(id))
		wantOrder = append(wantOrder, id)
	}
	batch := newTestBatch(t, repo, instructions...)

	s := NewScheduler(fastConfig(), batch.ID, repo, gw, aggregator.New(repo))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	order := gw.callOrder()
	if len(order) != len(wantOrder) {
		t.Fatalf("expected %d submissions, got %d", len(wantOrder), len(order))
	}
	for i, want := range wantOrder {
		if order[i] != want {
			t.Errorf("submission %d: expected %s, got %s", i, want, order[i])
		}
	}

	got, err := repo.GetBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != types.BatchCompleted {
		t.Errorf("expected completed, got %v", got.Status)
	}
	if got.SuccessCount != 12 {
		t.Errorf("expected 12 successes, got %d", got.SuccessCount)
	}

	instr := instructionByID(t, repo, batch.ID, "2")
	if instr.GatewayRef == nil || *instr.GatewayRef != "tr-2" {
		t.Errorf("expected gateway ref tr-2, got %v", instr.GatewayRef)
	}
	if instr.Attempt != 1 {
		t.Errorf("expected one attempt, got %d", instr.Attempt)
	}
}

func TestScheduler_RejectionIsTerminal(t *testing.T) {
	repo := inmemory.New()
	gw := newFakeGateway()
	// Even with more outcomes queued, a rejection must stop the loop.
	gw.script("1",
		gateway.Outcome{Class: gateway.ClassRejected, Code: "3204", Message: "Party not found"},
		gateway.Outcome{Class: gateway.ClassAccepted},
	)
	batch := newTestBatch(t, repo, readyInstruction("1"), readyInstruction("2"))

	s := NewScheduler(fastConfig(), batch.ID, repo, gw, aggregator.New(repo))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	instr := instructionByID(t, repo, batch.ID, "1")
	if instr.Status != types.InstructionFailed {
		t.Fatalf("expected failed, got %v", instr.Status)
	}
	if instr.ErrorCode == nil || *instr.ErrorCode != "3204" {
		t.Errorf("expected error code 3204, got %v", instr.ErrorCode)
	}

	// the rejection burned exactly one call, the other row one more
	if calls := gw.callOrder(); len(calls) != 2 {
		t.Errorf("expected 2 submissions total, got %v", calls)
	}

	got, _ := repo.GetBatch(context.Background(), batch.ID)
	if got.Status != types.BatchPartial {
		t.Errorf("expected partial, got %v", got.Status)
	}
}

func TestScheduler_RetriesThenSucceeds(t *testing.T) {
	repo := inmemory.New()
	gw := newFakeGateway()
	gw.script("1",
		gateway.Outcome{Class: gateway.ClassUnavailable, Message: "timeout"},
		gateway.Outcome{Class: gateway.ClassAccepted, GatewayRef: "tr-late"},
	)
	batch := newTestBatch(t, repo, readyInstruction("1"))

	s := NewScheduler(fastConfig(), batch.ID, repo, gw, aggregator.New(repo))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	instr := instructionByID(t, repo, batch.ID, "1")
	if instr.Status != types.InstructionSuccess {
		t.Fatalf("expected success, got %v", instr.Status)
	}
	if instr.Attempt != 2 {
		t.Errorf("expected 2 attempts, got %d", instr.Attempt)
	}
	if instr.GatewayRef == nil || *instr.GatewayRef != "tr-late" {
		t.Errorf("expected gateway ref tr-late, got %v", instr.GatewayRef)
	}
}

func TestScheduler_RetryBudgetExhausted(t *testing.T) {
	repo := inmemory.New()
	gw := newFakeGateway()
	gw.script("1",
		gateway.Outcome{Class: gateway.ClassUnavailable, Message: "down"},
		gateway.Outcome{Class: gateway.ClassUnavailable, Message: "down"},
		gateway.Outcome{Class: gateway.ClassUnavailable, Message: "down"},
		// never reached
		gateway.Outcome{Class: gateway.ClassAccepted},
	)
	batch := newTestBatch(t, repo, readyInstruction("1"))

	s := NewScheduler(fastConfig(), batch.ID, repo, gw, aggregator.New(repo))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls := gw.callOrder(); len(calls) != 3 {
		t.Fatalf("expected exactly MaxAttempts submissions, got %d", len(calls))
	}

	instr := instructionByID(t, repo, batch.ID, "1")
	if instr.Status != types.InstructionFailed {
		t.Fatalf("expected failed, got %v", instr.Status)
	}
	if instr.ErrorCode == nil || *instr.ErrorCode != ErrCodeRetriesExhausted {
		t.Errorf("expected %s, got %v", ErrCodeRetriesExhausted, instr.ErrorCode)
	}
	if instr.Attempt != 3 {
		t.Errorf("expected attempt 3, got %d", instr.Attempt)
	}

	got, _ := repo.GetBatch(context.Background(), batch.ID)
	if got.Status != types.BatchFailed {
		t.Errorf("expected failed batch, got %v", got.Status)
	}
}

func TestScheduler_InvalidRowsNeverReachTheRail(t *testing.T) {
	repo := inmemory.New()
	gw := newFakeGateway()

	code := "VALIDATION_FAILED"
	invalid := types.PaymentInstruction{
		ID:        "2",
		Status:    types.InstructionInvalid,
		ErrorCode: &code,
	}
	batch := newTestBatch(t, repo, readyInstruction("1"), invalid)

	s := NewScheduler(fastConfig(), batch.ID, repo, gw, aggregator.New(repo))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range gw.callOrder() {
		if id == "2" {
			t.Fatal("invalid instruction was submitted to the rail")
		}
	}

	got, _ := repo.GetBatch(context.Background(), batch.ID)
	if got.Status != types.BatchCompleted {
		t.Errorf("expected completed, got %v", got.Status)
	}
	if got.InvalidCount != 1 {
		t.Errorf("expected 1 invalid, got %d", got.InvalidCount)
	}
}

func TestScheduler_CancelStopsFeeding(t *testing.T) {
	repo := inmemory.New()
	gw := newFakeGateway()
	batch := newTestBatch(t, repo, readyInstruction("1"), readyInstruction("2"))

	s := NewScheduler(fastConfig(), batch.ID, repo, gw, aggregator.New(repo))
	s.Cancel()

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls := gw.callOrder(); len(calls) != 0 {
		t.Errorf("expected no submissions after cancel, got %v", calls)
	}

	// untouched rows stay ready so a later run can pick them up
	got, _ := repo.GetBatch(context.Background(), batch.ID)
	if got.Status != types.BatchPending {
		t.Errorf("expected pending, got %v", got.Status)
	}
}

func TestScheduler_RecoversStuckInstructions(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.New()
	gw := newFakeGateway()
	batch := newTestBatch(t, repo, readyInstruction("1"), readyInstruction("2"),
		readyInstruction("3"))

	// Simulate a crash: two instructions stuck in processing.
	for _, id := range []string{"1", "2"} {
		if _, err := repo.UpdateInstructionStatus(ctx, batch.ID, id,
			types.InstructionReady, types.InstructionProcessing,
			types.InstructionUpdate{}); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
	}

	// The rail knows instruction 1 went through and 2 was declined.
	gw.lookups[gateway.IdempotencyKey(batch.ID, "1").String()] =
		gateway.Outcome{Class: gateway.ClassAccepted, GatewayRef: "tr-recovered"}
	gw.lookups[gateway.IdempotencyKey(batch.ID, "2").String()] =
		gateway.Outcome{Class: gateway.ClassRejected, Code: "5103", Message: "declined"}

	s := NewScheduler(fastConfig(), batch.ID, repo, gw, aggregator.New(repo))
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	one := instructionByID(t, repo, batch.ID, "1")
	if one.Status != types.InstructionSuccess {
		t.Errorf("expected recovered success, got %v", one.Status)
	}
	if one.GatewayRef == nil || *one.GatewayRef != "tr-recovered" {
		t.Errorf("expected recovered gateway ref, got %v", one.GatewayRef)
	}

	two := instructionByID(t, repo, batch.ID, "2")
	if two.Status != types.InstructionFailed {
		t.Errorf("expected recovered failure, got %v", two.Status)
	}

	// Recovered instructions must not be resubmitted; only row 3 hits the
	// rail.
	if calls := gw.callOrder(); len(calls) != 1 || calls[0] != "3" {
		t.Errorf("expected only instruction 3 submitted, got %v", calls)
	}
}

func TestScheduler_RequeuesUnknownStuckInstruction(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.New()
	gw := newFakeGateway()
	batch := newTestBatch(t, repo, readyInstruction("1"))

	if _, err := repo.UpdateInstructionStatus(ctx, batch.ID, "1",
		types.InstructionReady, types.InstructionProcessing,
		types.InstructionUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// No scripted lookup: the rail never saw the key, so the instruction
	// is requeued and submitted with the same key.
	s := NewScheduler(fastConfig(), batch.ID, repo, gw, aggregator.New(repo))
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	instr := instructionByID(t, repo, batch.ID, "1")
	if instr.Status != types.InstructionSuccess {
		t.Errorf("expected success after resubmit, got %v", instr.Status)
	}
	if calls := gw.callOrder(); len(calls) != 1 {
		t.Errorf("expected 1 submission, got %v", calls)
	}
}

func TestComputeProgress(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.New()
	batch := newTestBatch(t, repo, readyInstruction("1"), readyInstruction("2"),
		readyInstruction("3"))

	repo.UpdateInstructionStatus(ctx, batch.ID, "1",
		types.InstructionReady, types.InstructionProcessing,
		types.InstructionUpdate{})
	repo.UpdateInstructionStatus(ctx, batch.ID, "2",
		types.InstructionReady, types.InstructionProcessing,
		types.InstructionUpdate{})
	repo.UpdateInstructionStatus(ctx, batch.ID, "2",
		types.InstructionProcessing, types.InstructionSuccess,
		types.InstructionUpdate{})

	progress, err := ComputeProgress(ctx, repo, batch.ID, time.Second)
	if err != nil {
		t.Fatalf("ComputeProgress: %v", err)
	}

	if progress.TotalCount != 3 || progress.ProcessedCount != 1 {
		t.Errorf("unexpected progress: %+v", progress)
	}
	if len(progress.CurrentlyProcessingIDs) != 1 ||
		progress.CurrentlyProcessingIDs[0] != "1" {
		t.Errorf("unexpected in-flight set: %v", progress.CurrentlyProcessingIDs)
	}
}

func TestBackoff(t *testing.T) {
	s := NewScheduler(&Config{
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
	}, "b", nil, nil, nil)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},  // capped
		{40, time.Second}, // shift overflow guarded
	}

	for _, tc := range cases {
		if got := s.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d): expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPool(t *testing.T, pool *Pool) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	waitFor(t, "pool start", func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return pool.ctx != nil
	})

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return cancel
}

func TestPool_RejectsDispatchBeforeRun(t *testing.T) {
	pool := NewPool(fastConfig(), inmemory.New(), newFakeGateway(),
		aggregator.New(inmemory.New()))

	err := pool.Dispatch("some-batch")

	var se apperrors.ServiceError
	if !errors.As(err, &se) || se.Code != apperrors.CodeDispatchNotReady {
		t.Fatalf("expected dispatch_pool_not_started, got %v", err)
	}
}

func TestPool_SingleDriverPerBatch(t *testing.T) {
	repo := inmemory.New()
	gw := newFakeGateway()
	gw.block = make(chan struct{})
	batch := newTestBatch(t, repo, readyInstruction("1"))

	pool := NewPool(fastConfig(), repo, gw, aggregator.New(repo))
	startPool(t, pool)

	if err := pool.Dispatch(batch.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	waitFor(t, "run to start", func() bool { return pool.Running(batch.ID) })

	err := pool.Dispatch(batch.ID)
	var se apperrors.ServiceError
	if !errors.As(err, &se) || se.Code != apperrors.CodeDispatchRunning {
		t.Errorf("expected dispatch_already_running, got %v", err)
	}

	close(gw.block)

	waitFor(t, "run to finish", func() bool { return !pool.Running(batch.ID) })

	// with the run finished the batch accepts a new driver
	waitFor(t, "batch to complete", func() bool {
		got, err := repo.GetBatch(context.Background(), batch.ID)
		return err == nil && got.Status == types.BatchCompleted
	})
}

func TestPool_CancelWithoutRun(t *testing.T) {
	pool := NewPool(fastConfig(), inmemory.New(), newFakeGateway(),
		aggregator.New(inmemory.New()))

	if pool.Cancel("nope") {
		t.Error("cancelling an idle batch should report false")
	}
}

func TestPool_Redispatch(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.New()
	gw := newFakeGateway()
	batch := newTestBatch(t, repo, readyInstruction("1"), readyInstruction("2"))

	// First run: instruction 1 fails terminally, 2 succeeds.
	gw.script("1", gateway.Outcome{Class: gateway.ClassRejected, Code: "5103",
		Message: "declined"})

	pool := NewPool(fastConfig(), repo, gw, aggregator.New(repo))
	startPool(t, pool)

	if err := pool.Dispatch(batch.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "first run", func() bool {
		got, err := repo.GetBatch(ctx, batch.ID)
		return err == nil && got.Status == types.BatchPartial
	})

	// Second run: the fake accepts by default, so the redispatched
	// instruction goes through.
	requeued, err := pool.Redispatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if requeued != 1 {
		t.Errorf("expected 1 requeued instruction, got %d", requeued)
	}

	waitFor(t, "second run", func() bool {
		got, err := repo.GetBatch(ctx, batch.ID)
		return err == nil && got.Status == types.BatchCompleted
	})

	instr := instructionByID(t, repo, batch.ID, "1")
	if instr.Status != types.InstructionSuccess {
		t.Errorf("expected success after redispatch, got %v", instr.Status)
	}
	if instr.ErrorCode != nil {
		t.Errorf("a successful instruction must carry no error code, got %v",
			*instr.ErrorCode)
	}
	if instr.GatewayRef == nil {
		t.Error("a successful instruction must carry a gateway ref")
	}
}

func TestPool_RedispatchWithoutFailures(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.New()
	batch := newTestBatch(t, repo, readyInstruction("1"))

	pool := NewPool(fastConfig(), repo, newFakeGateway(), aggregator.New(repo))
	startPool(t, pool)

	_, err := pool.Redispatch(ctx, batch.ID)

	var se apperrors.ServiceError
	if !errors.As(err, &se) || se.Code != apperrors.CodeEmptyBatch {
		t.Fatalf("expected empty_batch, got %v", err)
	}
}
