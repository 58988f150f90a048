// Package apperrors defines the error kinds surfaced by deploypulse and the
// process exit codes they map to.
package apperrors

import (
	"errors"
	"fmt"
)

// Code is the machine-readable error kind.
type Code string

const (
	CodeInternal                Code = "INTERNAL"
	CodeUsage                   Code = "USAGE"
	CodeMalformedInput          Code = "MALFORMED_INPUT"
	CodeRenderingInputInvalid   Code = "RENDERING_INPUT_INVALID"
	CodeClassificationAmbiguous Code = "CLASSIFICATION_AMBIGUOUS"
	CodeDeliveryFailed          Code = "DELIVERY_FAILED"
	CodeStateUnavailable        Code = "STATE_UNAVAILABLE"
	CodeNotFound                Code = "NOT_FOUND"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitInternal       = 1
	ExitUsage          = 2
	ExitMalformedInput = 3
	ExitDeliveryFailed = 4
	ExitState          = 5
	ExitNotFound       = 6
)

var messages = map[Code]string{
	CodeInternal:                "internal error",
	CodeUsage:                   "invalid usage",
	CodeMalformedInput:          "malformed input",
	CodeRenderingInputInvalid:   "invalid rendering input",
	CodeClassificationAmbiguous: "no classification rule matched",
	CodeDeliveryFailed:          "notification delivery failed",
	CodeStateUnavailable:        "state storage unavailable",
	CodeNotFound:                "not found",
}

var exitByCode = map[Code]int{
	CodeInternal:              ExitInternal,
	CodeUsage:                 ExitUsage,
	CodeMalformedInput:        ExitMalformedInput,
	CodeRenderingInputInvalid: ExitMalformedInput,
	// Ambiguous classifications fall back to Other and never fail a command.
	CodeClassificationAmbiguous: ExitOK,
	CodeDeliveryFailed:          ExitDeliveryFailed,
	CodeStateUnavailable:        ExitState,
	CodeNotFound:                ExitNotFound,
}

// Sentinels for errors.Is checks. Matching is by Code.
var (
	ErrMalformedInput        = New(CodeMalformedInput)
	ErrRenderingInputInvalid = New(CodeRenderingInputInvalid)
	ErrDeliveryFailed        = New(CodeDeliveryFailed)
	ErrStateUnavailable      = New(CodeStateUnavailable)
	ErrNotFound              = New(CodeNotFound)
	ErrUsage                 = New(CodeUsage)
)

// AppError carries a Code, a human readable message and an optional cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

// Error implements error.
func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches any *AppError with the same Code.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// New creates an AppError with the default message for code.
func New(code Code) *AppError {
	return &AppError{Code: code, Message: messageFor(code)}
}

// Errorf creates an AppError with a formatted message.
func Errorf(code Code, format string, args ...any) error {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code and message to err. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the Code of the outermost AppError in err's chain,
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if code, ok := exitByCode[CodeOf(err)]; ok {
		return code
	}
	return ExitInternal
}

func messageFor(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeInternal]
}
