package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: network failures, delivery timeouts, agent error replies.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid submission, unknown task, no capable agent.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or storage failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes used by the dispatcher.
const (
	// Transient errors
	ErrCodeTimeout        ErrorCode = "TIMEOUT"         // Delivery attempt exceeded its deadline
	ErrCodeRemoteDispatch ErrorCode = "REMOTE_DISPATCH" // Transport failure, bad reply or agent-reported failure

	// Permanent errors
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"         // Malformed submission
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"             // Unknown task or pinned agent
	ErrCodeNoAvailableAgent     ErrorCode = "NO_AVAILABLE_AGENT"    // No healthy agent has the capability
	ErrCodeRetriesExhausted     ErrorCode = "RETRIES_EXHAUSTED"     // Task failed after its last retry
	ErrCodeCancellationConflict ErrorCode = "CANCELLATION_CONFLICT" // Cancel requested on a terminal task
	ErrCodeCanceled             ErrorCode = "CANCELED"              // Operation was canceled
	ErrCodeUnavailable          ErrorCode = "UNAVAILABLE"           // Dispatcher is shutting down

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeStorage    ErrorCode = "STORAGE"    // Task store read/write failed
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Stored record could not be decoded
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeRemoteDispatch:
		return CategoryTransient

	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeNoAvailableAgent,
		ErrCodeRetriesExhausted, ErrCodeCancellationConflict, ErrCodeCanceled,
		ErrCodeUnavailable:
		return CategoryPermanent

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:              "delivery timed out",
	ErrCodeRemoteDispatch:       "remote dispatch failed",
	ErrCodeInvalidInput:         "invalid submission",
	ErrCodeNotFound:             "not found",
	ErrCodeNoAvailableAgent:     "no available agent",
	ErrCodeRetriesExhausted:     "retries exhausted",
	ErrCodeCancellationConflict: "task already in a terminal state",
	ErrCodeCanceled:             "operation canceled",
	ErrCodeUnavailable:          "dispatcher unavailable",
	ErrCodeInternal:             "internal error",
	ErrCodeStorage:              "task store failure",
	ErrCodeCorruption:           "corrupted task record",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
