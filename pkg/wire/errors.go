package wire

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies an RPC-boundary failure. Codes cross the wire inside
// Response.Error; everything else stays a plain wrapped error.
type ErrorCode string

const (
	// CodeInvalidArgument: params failed validation. No retry.
	CodeInvalidArgument ErrorCode = "InvalidArgument"
	// CodeNotFound: session, tool, or resource unknown.
	CodeNotFound ErrorCode = "NotFound"
	// CodeAlreadyExists: duplicate create.
	CodeAlreadyExists ErrorCode = "AlreadyExists"
	// CodeNoRoute: no live connection registered the method.
	CodeNoRoute ErrorCode = "NoRoute"
	// CodeTimeout: request deadline exceeded; synthesized by the hub.
	CodeTimeout ErrorCode = "Timeout"
	// CodeDisconnected: transport closed mid-call.
	CodeDisconnected ErrorCode = "Disconnected"
	// CodeToolFailure: a tool's execute failed. Never sent as an RPC error;
	// it is surfaced into the conversation as an isError tool result.
	CodeToolFailure ErrorCode = "ToolFailure"
	// CodeProviderFailure: the LLM provider errored; ends the run.
	CodeProviderFailure ErrorCode = "ProviderFailure"
	// CodeFatal: unrecoverable (bad config, lock contention, unwritable data dir).
	CodeFatal ErrorCode = "Fatal"
)

// Error is the wire form of a classified failure.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Errorf builds a classified error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the classification from err. Unclassified errors fall
// back to Fatal; context deadline expiry maps to Timeout, cancellation to
// Disconnected.
func CodeOf(err error) ErrorCode {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeDisconnected
	}
	return CodeFatal
}

// AsError converts err to its wire form, preserving an existing
// classification and wrapping everything else via CodeOf.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return &Error{Code: CodeOf(err), Message: err.Error()}
}

// IsCode reports whether err carries the given classification.
func IsCode(err error, code ErrorCode) bool {
	var we *Error
	return errors.As(err, &we) && we.Code == code
}
