package errors

type ErrorCode string

const (
	CodeValidation          ErrorCode = "validation_error"
	CodeCurrencyMismatch    ErrorCode = "currency_mismatch"
	CodeDuplicateID         ErrorCode = "duplicate_instruction_id"
	CodeEmptyBatch          ErrorCode = "empty_batch"
	CodeBatchNotFound       ErrorCode = "batch_not_found"
	CodeDispatchRunning     ErrorCode = "dispatch_already_running"
	CodeDispatchNotReady    ErrorCode = "dispatch_pool_not_started"
	CodeStoreUnavailable    ErrorCode = "store_unavailable"
	CodeEnqueueFailed       ErrorCode = "enqueue_failed"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (se ServiceError) Error() string {
	return se.Message
}

func (se ServiceError) Unwrap() error {
	return se.Err
}

// New wraps a cause with a stable API-facing code.
func New(code ErrorCode, message string, err error) ServiceError {
	return ServiceError{Code: code, Message: message, Err: err}
}
