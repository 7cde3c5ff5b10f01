// Package errors provides the structured error system for zstore with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for zstore operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Device Errors
	ErrCodeConnectionFailed      ErrorCode = "CONNECTION_FAILED"
	ErrCodeCapabilityUnsupported ErrorCode = "CAPABILITY_UNSUPPORTED"

	// Resource Errors
	ErrCodeAllocationFailed ErrorCode = "ALLOCATION_FAILED"
	ErrCodeQueueFull        ErrorCode = "QUEUE_FULL"

	// Zone Errors
	ErrCodeZoneFull   ErrorCode = "ZONE_FULL"
	ErrCodeOutOfRange ErrorCode = "OUT_OF_RANGE"

	// I/O Errors
	ErrCodeIO               ErrorCode = "IO_ERROR"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"

	// Replication Errors
	ErrCodeMirrorDivergence    ErrorCode = "MIRROR_DIVERGENCE"
	ErrCodeConsistencyMismatch ErrorCode = "CONSISTENCY_MISMATCH"

	// State Errors
	ErrCodeDraining     ErrorCode = "DRAINING"
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	// Persistence Errors
	ErrCodePersistenceWarning ErrorCode = "PERSISTENCE_WARNING"

	// Generic Errors
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInternalError   ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryDevice        ErrorCategory = "device"
	CategoryResource      ErrorCategory = "resource"
	CategoryZone          ErrorCategory = "zone"
	CategoryIO            ErrorCategory = "io"
	CategoryReplication   ErrorCategory = "replication"
	CategoryState         ErrorCategory = "state"
	CategoryPersistence   ErrorCategory = "persistence"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:         CategoryConfiguration,
	ErrCodeConfigValidation:      CategoryConfiguration,
	ErrCodeConfigLoad:            CategoryConfiguration,
	ErrCodeConfigSave:            CategoryConfiguration,
	ErrCodeConnectionFailed:      CategoryDevice,
	ErrCodeCapabilityUnsupported: CategoryDevice,
	ErrCodeAllocationFailed:      CategoryResource,
	ErrCodeQueueFull:             CategoryResource,
	ErrCodeZoneFull:              CategoryZone,
	ErrCodeOutOfRange:            CategoryZone,
	ErrCodeIO:                    CategoryIO,
	ErrCodeOperationTimeout:      CategoryIO,
	ErrCodeMirrorDivergence:      CategoryReplication,
	ErrCodeConsistencyMismatch:   CategoryReplication,
	ErrCodeDraining:              CategoryState,
	ErrCodeInvalidState:          CategoryState,
	ErrCodePersistenceWarning:    CategoryPersistence,
}

// ZStoreError represents a structured error with context and metadata.
type ZStoreError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Device    string `json:"device,omitempty"`

	// Error handling hints
	Retryable bool `json:"retryable"`
	Fatal     bool `json:"fatal"`

	Stack string `json:"stack,omitempty"`
}

// Sentinel values for errors.Is matching by code.
var (
	ErrConnection         = &ZStoreError{Code: ErrCodeConnectionFailed}
	ErrCapability         = &ZStoreError{Code: ErrCodeCapabilityUnsupported}
	ErrAllocation         = &ZStoreError{Code: ErrCodeAllocationFailed}
	ErrQueueFull          = &ZStoreError{Code: ErrCodeQueueFull}
	ErrZoneFull           = &ZStoreError{Code: ErrCodeZoneFull}
	ErrOutOfRange         = &ZStoreError{Code: ErrCodeOutOfRange}
	ErrIO                 = &ZStoreError{Code: ErrCodeIO}
	ErrMirrorDivergence   = &ZStoreError{Code: ErrCodeMirrorDivergence}
	ErrConsistency        = &ZStoreError{Code: ErrCodeConsistencyMismatch}
	ErrDraining           = &ZStoreError{Code: ErrCodeDraining}
	ErrTimeout            = &ZStoreError{Code: ErrCodeOperationTimeout}
	ErrPersistenceWarning = &ZStoreError{Code: ErrCodePersistenceWarning}
	ErrInvalidState       = &ZStoreError{Code: ErrCodeInvalidState}
	ErrInvalidArgument    = &ZStoreError{Code: ErrCodeInvalidArgument}
)

// Error implements the error interface.
func (e *ZStoreError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *ZStoreError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *ZStoreError) Is(target error) bool {
	if zerr, ok := target.(*ZStoreError); ok {
		return e.Code == zerr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *ZStoreError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Device != "" {
		parts = append(parts, fmt.Sprintf("Device=%s", e.Device))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Fatal {
		parts = append(parts, "Fatal=true")
	}

	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("ZStoreError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *ZStoreError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new zstore error with default values.
func NewError(code ErrorCode, message string) *ZStoreError {
	return &ZStoreError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
		Fatal:     IsFatalByDefault(code),
	}
}

// Newf creates a new zstore error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *ZStoreError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if category, ok := categories[code]; ok {
		return category
	}
	return CategoryInternal
}

// IsRetryableByDefault determines if an error is retryable by default.
// Only the caller retries; nothing inside the session layer does.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeQueueFull, ErrCodeConnectionFailed:
		return true
	default:
		return false
	}
}

// IsFatalByDefault reports whether a code disables the affected session or
// replica set until explicit recovery.
func IsFatalByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeCapabilityUnsupported, ErrCodeMirrorDivergence:
		return true
	default:
		return false
	}
}

// CodeOf extracts the error code from err, or "" when err is not a ZStoreError.
func CodeOf(err error) ErrorCode {
	var zerr *ZStoreError
	if stderrors.As(err, &zerr) {
		return zerr.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) carries code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsFatal reports whether err is fatal to a session or replica set.
func IsFatal(err error) bool {
	var zerr *ZStoreError
	if stderrors.As(err, &zerr) {
		return zerr.Fatal
	}
	return false
}

// IsRetryable reports whether the caller may retry err.
func IsRetryable(err error) bool {
	var zerr *ZStoreError
	if stderrors.As(err, &zerr) {
		return zerr.Retryable
	}
	return false
}

// IsWarning reports whether err is a non-fatal persistence warning.
func IsWarning(err error) bool {
	return HasCode(err, ErrCodePersistenceWarning)
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *ZStoreError) WithContext(key, value string) *ZStoreError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *ZStoreError) WithDetail(key string, value interface{}) *ZStoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *ZStoreError) WithComponent(component string) *ZStoreError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *ZStoreError) WithOperation(operation string) *ZStoreError {
	e.Operation = operation
	return e
}

// WithDevice sets the device the error refers to
func (e *ZStoreError) WithDevice(device string) *ZStoreError {
	e.Device = device
	return e
}

// WithCause sets the underlying cause
func (e *ZStoreError) WithCause(cause error) *ZStoreError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *ZStoreError) WithStack() *ZStoreError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns an operator-facing recommendation for the error
func (e *ZStoreError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeConnectionFailed: "Verify the transport address and service id of the target. " +
			"Check that the controller exports the namespace.",
		ErrCodeCapabilityUnsupported: "The namespace does not support zone append. " +
			"Use a zoned namespace (ZNS) device.",
		ErrCodeAllocationFailed: "The pinned buffer budget is exhausted. " +
			"Release buffers or raise session.buffer_budget.",
		ErrCodeQueueFull: "Poll completions before submitting more I/O, " +
			"or raise session.queue_depth.",
		ErrCodeZoneFull: "Advance to the next zone.",
		ErrCodeMirrorDivergence: "Replicas disagree. Reset every replica zone " +
			"and clear the divergence before writing again.",
		ErrCodeOperationTimeout: "The queue pair requires a hard reset. " +
			"Reset the zone to re-create the queue pair.",
		ErrCodePersistenceWarning: "The zone cursor could not be persisted. " +
			"Check permissions on cursor.path.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}

	return "Please check the error message for details."
}
