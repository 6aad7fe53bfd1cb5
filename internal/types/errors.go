package types

import "errors"

// Domain errors shared by every store implementation, so callers can check
// with errors.Is regardless of backend.
var (
	ErrBatchNotFound        = errors.New("batch not found")
	ErrInstructionNotFound  = errors.New("instruction not found")
	ErrCurrencyMismatch     = errors.New("instruction currency differs from batch currency")
	ErrDuplicateInstruction = errors.New("duplicate instruction id in batch")
	ErrEmptyBatch           = errors.New("batch has no dispatchable instructions")
)

// InstructionUpdate carries the fields written together with a status
// transition. Nil members are left untouched.
type InstructionUpdate struct {
	Attempt      *int
	GatewayRef   *string
	ErrorCode    *string
	ErrorMessage *string
}

// ReceiptJob is one successful instruction waiting for its receipt request
// to be published.
type ReceiptJob struct {
	BatchID     string             `json:"batchId"`
	BatchCode   string             `json:"batchCode"`
	Currency    string             `json:"currency"`
	Instruction PaymentInstruction `json:"instruction"`
}
