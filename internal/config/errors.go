package config

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable SDK failure code reported to users and API clients.
type ErrorCode string

const (
	ErrSolanaCLIMissing ErrorCode = "E101"
	ErrRustMissing      ErrorCode = "E102"
	ErrBuildFailed      ErrorCode = "E103"
	ErrDeployFailed     ErrorCode = "E104"
	ErrInvalidNetwork   ErrorCode = "E105"
	ErrInvalidKeypair   ErrorCode = "E106"
	ErrProgramID        ErrorCode = "E107"
	ErrProgramPath      ErrorCode = "E108"
)

var errorMessages = map[ErrorCode]string{
	ErrSolanaCLIMissing: "Solana CLI not found. Please install Solana CLI.",
	ErrRustMissing:      "Rust not found. Please install Rust and Cargo.",
	ErrBuildFailed:      "Cargo build-sbf command failed.",
	ErrDeployFailed:     "Deployment failed.",
	ErrInvalidNetwork:   "Invalid network specified.",
	ErrInvalidKeypair:   "Invalid keypair file.",
	ErrProgramID:        "Failed to extract program ID.",
	ErrProgramPath:      "Invalid program file path.",
}

// Message returns the canonical description for a code.
func (c ErrorCode) Message() string {
	return errorMessages[c]
}

// SDKError is a coded failure from build, deploy or invoke.
type SDKError struct {
	Code    ErrorCode
	Message string
	Details string
	Err     error
}

// NewError creates an SDKError whose message is the canonical text for code,
// suffixed with subject when non-empty.
func NewError(code ErrorCode, subject string) *SDKError {
	msg := code.Message()
	if subject != "" {
		msg = fmt.Sprintf("%s: %s", msg, subject)
	}
	return &SDKError{Code: code, Message: msg}
}

// Errorf creates an SDKError with a custom message.
func Errorf(code ErrorCode, format string, args ...interface{}) *SDKError {
	return &SDKError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches diagnostic output (usually a tool's stderr).
func (e *SDKError) WithDetails(details string) *SDKError {
	e.Details = details
	return e
}

// Wrap records the underlying cause.
func (e *SDKError) Wrap(err error) *SDKError {
	e.Err = err
	return e
}

func (e *SDKError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *SDKError) Unwrap() error { return e.Err }

// CodeOf returns the SDK error code carried by err, or "" if none.
func CodeOf(err error) ErrorCode {
	var sdkErr *SDKError
	if errors.As(err, &sdkErr) {
		return sdkErr.Code
	}
	return ""
}

// DetailsOf returns the diagnostic details carried by err, if any.
func DetailsOf(err error) string {
	var sdkErr *SDKError
	if errors.As(err, &sdkErr) {
		return sdkErr.Details
	}
	return ""
}

// MessageOf returns the user-facing message for err without the code suffix.
func MessageOf(err error) string {
	var sdkErr *SDKError
	if errors.As(err, &sdkErr) {
		return sdkErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
