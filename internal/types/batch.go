package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	// BatchPending covers both "dispatch not started" and "in progress".
	BatchPending   BatchStatus = "pending"
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
)

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchCompleted, BatchPartial, BatchFailed:
		return true
	}
	return false
}

// Batch is the aggregate root. ID is the UUID assigned at creation for
// first-class batches, or the shared batch key for views derived from a flat
// transaction log in reconciliation mode.
type Batch struct {
	ID           string      `json:"batchId" db:"uuid"`
	BatchCode    string      `json:"batchCode" db:"batch_code"`
	Currency     string      `json:"currency" db:"currency"`
	TotalCount   int         `json:"totalCount" db:"total_count"`
	SuccessCount int         `json:"successCount" db:"success_count"`
	FailedCount  int         `json:"failedCount" db:"failed_count"`
	InvalidCount int         `json:"invalidCount" db:"invalid_count"`
	Status       BatchStatus `json:"status" db:"status"`
	InitiatedBy  string      `json:"initiatedBy" db:"initiated_by"`
	CreatedAt    time.Time   `json:"createdAt" db:"created_at"`
}

// StatusCounts is the per-status breakdown of one batch's instructions. The
// counts are always recomputed from instruction rows, never stored as truth.
type StatusCounts struct {
	Total      int `json:"total"`
	Ready      int `json:"ready"`
	Processing int `json:"processing"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
	Invalid    int `json:"invalid"`
}

// Pending is everything that has not reached a terminal state yet.
func (c StatusCounts) Pending() int {
	return c.Total - c.Success - c.Failed - c.Invalid
}

// BatchFilter narrows ListBatches. Nil fields mean "any".
type BatchFilter struct {
	Status      *BatchStatus
	InitiatedBy *string
	From        *time.Time
	To          *time.Time
}

// Progress is the externally observable state of a dispatch run, derived
// from persisted instruction rows so a restarted scheduler reports the same
// numbers.
type Progress struct {
	ProcessedCount         int      `json:"processedCount"`
	TotalCount             int      `json:"totalCount"`
	CurrentlyProcessingIDs []string `json:"currentlyProcessingIds"`
}

// TransactionRow is one line of a flat historical transfer log that carries a
// batch key but no batch aggregate. Reconciliation derives batch views from
// these rows.
type TransactionRow struct {
	BatchKey    string            `json:"batchKey" db:"batch_key"`
	BatchCode   string            `json:"batchCode" db:"batch_code"`
	InstrID     string            `json:"instructionId" db:"instruction_id"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	Currency    string            `json:"currency" db:"currency"`
	Status      InstructionStatus `json:"status" db:"status"`
	InitiatedBy string            `json:"initiatedBy" db:"initiated_by"`
	CreatedAt   time.Time         `json:"createdAt" db:"created_at"`
}
