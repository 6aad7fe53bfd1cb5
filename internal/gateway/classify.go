package gateway

import "net/http"

// Class is the engine-side classification of one rail response. Retry policy
// downstream depends on it being stable, so the mapping lives in one table
// here instead of being inferred at call sites.
type Class int

const (
	// ClassAccepted means the rail confirmed the transfer. Terminal.
	ClassAccepted Class = iota
	// ClassRejected means the rail explicitly declined. Terminal, never
	// retried.
	ClassRejected
	// ClassUnavailable covers timeouts, network failures and 5xx. Retryable.
	ClassUnavailable
)

func (c Class) String() string {
	switch c {
	case ClassAccepted:
		return "accepted"
	case ClassRejected:
		return "rejected"
	default:
		return "unavailable"
	}
}

// railCodeClasses maps rail-level error codes (Mojaloop numbering) that need
// a different treatment than their HTTP status would suggest.
var railCodeClasses = map[string]Class{
	"2001": ClassUnavailable, // internal server error
	"2003": ClassUnavailable, // service currently unavailable
	"2004": ClassUnavailable, // server timed out
	"3100": ClassRejected,    // generic validation error
	"3200": ClassRejected,    // generic id not found
	"3204": ClassRejected,    // party not found
	"3300": ClassRejected,    // generic expired
	"4001": ClassRejected,    // payer limit error
	"5001": ClassRejected,    // payee limit error
	"5103": ClassRejected,    // payee fsp rejected the transaction
}

// classify maps an HTTP status plus an optional rail error code to a Class.
// The rail code wins over the status range when both are present.
func classify(httpStatus int, railCode string) Class {
	if class, ok := railCodeClasses[railCode]; ok {
		return class
	}

	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return ClassAccepted
	case httpStatus == http.StatusTooManyRequests:
		return ClassUnavailable
	case httpStatus >= 400 && httpStatus < 500:
		return ClassRejected
	default:
		return ClassUnavailable
	}
}
