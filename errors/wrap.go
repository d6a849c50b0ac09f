package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a DispatchError, the wrapper keeps its code and category.
// Context errors map to TIMEOUT and CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		wrapped := &Error{
			code:      de.code,
			category:  de.category,
			message:   message,
			cause:     err,
			metadata:  de.Metadata(),
			retryable: de.retryable,
			timestamp: de.timestamp,
			agentID:   de.agentID,
			taskID:    de.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsDispatchError extracts the outermost DispatchError from an error chain.
// Returns nil if none is found.
func AsDispatchError(err error) DispatchError {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// Is reports whether any structured error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.code == code {
			return true
		}
		err = de.cause
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors without structure are not retryable.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// Code extracts the outermost error code, or "" if err is unstructured.
func Code(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return ""
}

// Category extracts the outermost error category, or "" if err is unstructured.
func Category(err error) ErrorCategory {
	var de *Error
	if errors.As(err, &de) {
		return de.category
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodeInternal, "panic: "+message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
