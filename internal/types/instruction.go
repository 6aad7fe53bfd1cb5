package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type InstructionStatus string

const (
	InstructionReady      InstructionStatus = "ready"
	InstructionProcessing InstructionStatus = "processing"
	InstructionSuccess    InstructionStatus = "success"
	InstructionFailed     InstructionStatus = "failed"
	InstructionInvalid    InstructionStatus = "invalid"
)

// Terminal reports whether an instruction in this status can never be
// submitted again within the current dispatch run.
func (s InstructionStatus) Terminal() bool {
	return s == InstructionSuccess || s == InstructionFailed ||
		s == InstructionInvalid
}

// Record is one raw input row as it arrives from a file upload or an API
// payload. Parsing the file format itself happens upstream; the engine only
// sees the mapped columns.
type Record struct {
	ID           string `json:"id"`
	PayerRef     string `json:"payerRef"`
	PayeeIDType  string `json:"payeeIdType"`
	PayeeIDValue string `json:"payeeIdValue"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Note         string `json:"note"`
}

type PaymentInstruction struct {
	// ID is unique within the batch: the row ordinal or a caller-provided key.
	ID string `json:"id" db:"id"`
	// Seq is the zero-based input position, assigned by the store at batch
	// creation. IDs are opaque text and carry no order; Seq does.
	Seq          int               `json:"seq" db:"seq"`
	PayerRef     string            `json:"payerRef" db:"payer_ref"`
	PayeeIDType  string            `json:"payeeIdType" db:"payee_id_type"`
	PayeeIDValue string            `json:"payeeIdValue" db:"payee_id_value"`
	Amount       decimal.Decimal   `json:"amount" db:"amount"`
	Currency     string            `json:"currency" db:"currency"`
	Note         string            `json:"note" db:"note"`
	Status       InstructionStatus `json:"status" db:"status"`
	Attempt      int               `json:"attempt" db:"attempt"`
	GatewayRef   *string           `json:"gatewayRef,omitempty" db:"gateway_ref"`
	ErrorCode    *string           `json:"errorCode,omitempty" db:"error_code"`
	ErrorMessage *string           `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt    time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time         `json:"updatedAt" db:"updated_at"`
}
