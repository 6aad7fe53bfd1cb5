package api

type APIErrorCode string

const (
	BadRequestError  APIErrorCode = "bad_request"
	NotFoundError    APIErrorCode = "not_found"
	NoActiveRunError APIErrorCode = "no_active_run"
	EnqueueingError  APIErrorCode = "enqueueing_error"
)

// APIError represents a custom error with a code and description
type APIError struct {
	Code APIErrorCode
}

// Implement the error interface for APIError
func (e *APIError) Error() string {
	return string(e.Code)
}
