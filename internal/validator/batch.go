package validator

import (
	"strconv"

	"github.com/openpension/batch-dispatch/internal/types"
)

// BuildInstructions validates a whole input set. Records without an explicit
// id get their row ordinal, matching how file rows are addressed. Invalid
// rows come back marked invalid instead of being dropped, so no record ever
// silently disappears from the batch summary.
func BuildInstructions(records []types.Record) []types.PaymentInstruction {
	out := make([]types.PaymentInstruction, 0, len(records))

	for i, rec := range records {
		if rec.ID == "" {
			rec.ID = strconv.Itoa(i + 1)
		}

		instr, _ := Validate(rec)
		out = append(out, instr)
	}

	return out
}
