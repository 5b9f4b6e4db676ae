package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing relay errors.
type ErrorCode string

// Error code constants. The prefix of each code names its class in the
// relay's error taxonomy (see Class).
const (
	// Decode: the datagram payload could not be turned into a structured record.
	ErrCodeDecodeCompression ErrorCode = "decode_compression"
	ErrCodeDecodeChunked     ErrorCode = "decode_chunked_unsupported"
	ErrCodeDecodeTooLarge    ErrorCode = "decode_too_large"
	ErrCodeDecodeJSON        ErrorCode = "decode_invalid_json"

	// Malformed record: structured, but not a usable GELF message.
	ErrCodeMalformedMissingField ErrorCode = "malformed_missing_field"
	ErrCodeMalformedFieldType    ErrorCode = "malformed_field_type"
	ErrCodeMalformedUnknownLevel ErrorCode = "malformed_unknown_level"
	ErrCodeMalformedImage        ErrorCode = "malformed_image_reference"
	ErrCodeMalformedTimestamp    ErrorCode = "malformed_timestamp"

	// Transient delivery failures. Retried and always invalidate the pool.
	ErrCodeDeliveryTimeout     ErrorCode = "delivery_timeout"
	ErrCodeDeliveryTransport   ErrorCode = "delivery_transport"
	ErrCodeDeliveryRejected    ErrorCode = "delivery_rejected"
	ErrCodeDeliveryBreakerOpen ErrorCode = "delivery_breaker_open"
	ErrCodeDeliveryInternal    ErrorCode = "delivery_internal"

	// Terminal delivery failures.
	ErrCodeDeliveryExhausted ErrorCode = "exhausted_retries"
	ErrCodeDeliveryAbandoned ErrorCode = "exhausted_abandoned"

	// A recovered panic outside the delivery path.
	ErrCodeInternalPanic ErrorCode = "internal_panic"
)

// ErrorClass is the coarse taxonomy an ErrorCode belongs to. Callers decide
// retry and logging policy on the class, never on the individual code.
type ErrorClass string

const (
	ClassDecode    ErrorClass = "decode"
	ClassMalformed ErrorClass = "malformed"
	ClassTransient ErrorClass = "transient"
	ClassExhausted ErrorClass = "exhausted"
	ClassUnknown   ErrorClass = "unknown"
)

// Class maps an ErrorCode to its taxonomy class by prefix.
func (c ErrorCode) Class() ErrorClass {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "decode_"):
		return ClassDecode
	case strings.HasPrefix(s, "malformed_"):
		return ClassMalformed
	case strings.HasPrefix(s, "delivery_"):
		return ClassTransient
	case strings.HasPrefix(s, "exhausted_"):
		return ClassExhausted
	default:
		return ClassUnknown
	}
}

// AppError is the standard error type used throughout the relay. All decode,
// transform and delivery failures are expressed as AppError so that the
// listener and delivery engine can classify them without string matching.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ClassOf returns the taxonomy class of err. Errors that are not AppErrors
// are ClassUnknown.
func ClassOf(err error) ErrorClass {
	code := CodeOf(err)
	if code == "" {
		return ClassUnknown
	}
	return code.Class()
}

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool { return ClassOf(err) == ClassDecode }

// IsMalformedRecordError reports whether err is a MalformedRecordError.
func IsMalformedRecordError(err error) bool { return ClassOf(err) == ClassMalformed }

// IsTransientDeliveryError reports whether err is a TransientDeliveryError.
func IsTransientDeliveryError(err error) bool { return ClassOf(err) == ClassTransient }

// IsExhaustedRetriesError reports whether err is a terminal delivery error.
func IsExhaustedRetriesError(err error) bool { return ClassOf(err) == ClassExhausted }
