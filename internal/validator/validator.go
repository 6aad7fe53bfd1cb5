package validator

import (
	"fmt"
	"strings"

	"github.com/openpension/batch-dispatch/internal/types"

	"github.com/shopspring/decimal"
)

// ErrCodeValidation is recorded on instructions that never reach the rail.
const ErrCodeValidation = "VALIDATION_FAILED"

// ValidationError lists every field problem found in one record, not just the
// first, so the operator can fix the whole row in one pass.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s", strings.Join(e.Fields, "; "))
}

// Validate normalizes one raw record into a PaymentInstruction. It is a pure
// function: persisting the result is the caller's job. A failed validation
// still returns an instruction, marked invalid, so the batch keeps a row for
// every input record.
func Validate(rec types.Record) (types.PaymentInstruction, *ValidationError) {
	var problems []string

	if strings.TrimSpace(rec.PayeeIDType) == "" {
		problems = append(problems, "payeeIdType: required")
	}
	if strings.TrimSpace(rec.PayeeIDValue) == "" {
		problems = append(problems, "payeeIdValue: required")
	}
	if strings.TrimSpace(rec.Currency) == "" {
		problems = append(problems, "currency: required")
	}

	var amount decimal.Decimal
	if strings.TrimSpace(rec.Amount) == "" {
		problems = append(problems, "amount: required")
	} else {
		parsed, err := decimal.NewFromString(strings.TrimSpace(rec.Amount))
		switch {
		case err != nil:
			problems = append(problems, "amount: not a number")
		case parsed.LessThanOrEqual(decimal.Zero):
			problems = append(problems, "amount: must be greater than zero")
		default:
			amount = parsed
		}
	}

	instr := types.PaymentInstruction{
		ID:           rec.ID,
		PayerRef:     strings.TrimSpace(rec.PayerRef),
		PayeeIDType:  strings.TrimSpace(rec.PayeeIDType),
		PayeeIDValue: strings.TrimSpace(rec.PayeeIDValue),
		Amount:       amount,
		Currency:     strings.ToUpper(strings.TrimSpace(rec.Currency)),
		Note:         strings.TrimSpace(rec.Note),
		Status:       types.InstructionReady,
	}

	if len(problems) > 0 {
		verr := &ValidationError{Fields: problems}
		instr.Status = types.InstructionInvalid
		code := ErrCodeValidation
		msg := verr.Error()
		instr.ErrorCode = &code
		instr.ErrorMessage = &msg
		return instr, verr
	}

	return instr, nil
}
