// Package errors provides structured error handling for nebula-bc
package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors, including an unknown environment
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeAuthentication represents credential refresh failures
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeNotFound represents a 404 from the API
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeAPI represents any other non-retryable API response
	ErrorTypeAPI ErrorType = "api"
	// ErrorTypeRateLimit represents a 429 from the API
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTimeout represents a per-call timeout
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents network level failures
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeUnavailable represents a 5xx from the API
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypeTransient represents a retryable failure whose retry budget ran out
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypePagination represents a repeated pagination cursor
	ErrorTypePagination ErrorType = "pagination"
	// ErrorTypeData represents malformed response or record data
	ErrorTypeData ErrorType = "data"
	// ErrorTypeFile represents file and object store failures
	ErrorTypeFile ErrorType = "file"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Details) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, formatDetails(e.Details))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the outermost typed error is transient
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeUnavailable:
		return true
	default:
		return false
	}
}

// IsType checks if the outermost typed error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// HasType checks every typed error in the chain, not only the outermost one
func HasType(err error, errType ErrorType) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Type == errType {
			return true
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				if HasType(inner, errType) {
					return true
				}
			}
			return false
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRunFatal reports whether err must abort the whole run instead of a single branch
func IsRunFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return HasType(err, ErrorTypeConfig) ||
		HasType(err, ErrorTypeAuthentication) ||
		HasType(err, ErrorTypePagination)
}

// Join wraps errors.Join so callers only import one errors package
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is wraps errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func formatDetails(details map[string]interface{}) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
