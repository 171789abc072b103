// Package cacheerr provides a structured error system for the cache engine with error codes, categories, and context.
package cacheerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Value errors
	ErrCodeOversizedValue      ErrorCode = "OVERSIZED_VALUE"
	ErrCodeSerializationFailed ErrorCode = "SERIALIZATION_FAILED"
	ErrCodeDecodeFailed        ErrorCode = "DECODE_FAILED"

	// Persistent store errors
	ErrCodeStorageCorruption ErrorCode = "STORAGE_CORRUPTION"
	ErrCodeStorageRead       ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite      ErrorCode = "STORAGE_WRITE"
	ErrCodeSchemaMigration   ErrorCode = "SCHEMA_MIGRATION"

	// Disk tier errors
	ErrCodeIOFailure    ErrorCode = "IO_FAILURE"
	ErrCodeIndexCorrupt ErrorCode = "INDEX_CORRUPT"

	// Compute errors
	ErrCodeComputeFailed ErrorCode = "COMPUTE_FAILED"

	// Refresh / warmup errors
	ErrCodeRefreshFailed  ErrorCode = "REFRESH_FAILED"
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeWarmupTimeout  ErrorCode = "WARMUP_TIMEOUT"

	// Lifecycle errors
	ErrCodeCacheClosed    ErrorCode = "CACHE_CLOSED"
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeInvalidConfig  ErrorCode = "INVALID_CONFIG"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryValue     ErrorCategory = "value"
	CategoryStorage   ErrorCategory = "storage"
	CategoryDisk      ErrorCategory = "disk"
	CategoryCompute   ErrorCategory = "compute"
	CategoryRefresh   ErrorCategory = "refresh"
	CategoryLifecycle ErrorCategory = "lifecycle"
	CategoryInternal  ErrorCategory = "internal"
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Code == cacheErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CacheError) String() string {
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
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%s", e.Key))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new cache error with default values.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// WrapError creates a new cache error wrapping an underlying cause.
func WrapError(code ErrorCode, message string, cause error) *CacheError {
	err := NewError(code, message)
	err.Cause = cause
	return err
}

// WithComponent attaches the originating component name.
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation attaches the operation that produced the error.
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithKey attaches the cache key the operation was acting on.
func (e *CacheError) WithKey(key string) *CacheError {
	e.Key = key
	return e
}

// WithDetail attaches an arbitrary detail value.
func (e *CacheError) WithDetail(name string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[name] = value
	return e
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeOversizedValue, ErrCodeSerializationFailed, ErrCodeDecodeFailed:
		return CategoryValue
	case ErrCodeStorageCorruption, ErrCodeStorageRead, ErrCodeStorageWrite, ErrCodeSchemaMigration:
		return CategoryStorage
	case ErrCodeIOFailure, ErrCodeIndexCorrupt:
		return CategoryDisk
	case ErrCodeComputeFailed:
		return CategoryCompute
	case ErrCodeRefreshFailed, ErrCodeRetryExhausted, ErrCodeWarmupTimeout:
		return CategoryRefresh
	case ErrCodeCacheClosed, ErrCodeAlreadyStarted, ErrCodeInvalidConfig:
		return CategoryLifecycle
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeStorageRead:   true,
		ErrCodeStorageWrite:  true,
		ErrCodeIOFailure:     true,
		ErrCodeRefreshFailed: true,
		ErrCodeInternalError: true,
	}
	return retryableCodes[code]
}

// Code extracts the ErrorCode from err, or ErrCodeInternalError for foreign errors.
func Code(err error) ErrorCode {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.Code
	}
	return ErrCodeInternalError
}

// IsCorruption reports whether err indicates persistent-store corruption.
// SQLite surfaces corruption as driver error strings, so foreign errors are
// matched on message as well as on the structured code.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.Code == ErrCodeStorageCorruption
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "sqlite_corrupt") ||
		strings.Contains(msg, "malformed database schema")
}
