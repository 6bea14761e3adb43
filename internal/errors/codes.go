package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument   ErrorCode = 1000
	ErrCodeKeyNotFound       ErrorCode = 1001
	ErrCodeKeyTooLarge       ErrorCode = 1002
	ErrCodeKeyExists         ErrorCode = 1003
	ErrCodeInvalidAttribute  ErrorCode = 1004
	ErrCodeInvalidKey        ErrorCode = 1005
	ErrCodeTransactionActive ErrorCode = 1006
	ErrCodeNoTransaction     ErrorCode = 1007
	ErrCodeViewNotFound      ErrorCode = 1008
	ErrCodeInvalidView       ErrorCode = 1009
	ErrCodeReadOnly          ErrorCode = 1010

	// Server errors (5xx equivalent)
	ErrCodeInternal         ErrorCode = 2000
	ErrCodeUnavailable      ErrorCode = 2001
	ErrCodeDiskFull         ErrorCode = 2002
	ErrCodeDiskThrottled    ErrorCode = 2003
	ErrCodeCommitLogFailed  ErrorCode = 2004
	ErrCodeCheckpointFailed ErrorCode = 2005
	ErrCodeCorruptedData    ErrorCode = 2007
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeInvalidKey,
		ErrCodeInvalidAttribute, ErrCodeInvalidView:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound, ErrCodeViewNotFound:
		return codes.NotFound
	case ErrCodeKeyExists:
		return codes.AlreadyExists
	case ErrCodeTransactionActive, ErrCodeNoTransaction, ErrCodeReadOnly:
		return codes.FailedPrecondition
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeDiskThrottled, ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(key string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func KeyExists(key string) *StorageError {
	return NewStorageError(ErrCodeKeyExists, fmt.Sprintf("key already exists: %s", key), nil).
		WithDetail("key", key)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func InvalidAttribute(name, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidAttribute, fmt.Sprintf("invalid attribute '%s': %s", name, reason), nil).
		WithDetail("attribute", name).
		WithDetail("reason", reason)
}

func TransactionActive() *StorageError {
	return NewStorageError(ErrCodeTransactionActive, "a transaction is already active", nil)
}

func NoTransaction() *StorageError {
	return NewStorageError(ErrCodeNoTransaction, "no transaction is active", nil)
}

func ViewNotFound(id int) *StorageError {
	return NewStorageError(ErrCodeViewNotFound, fmt.Sprintf("view not found: %d", id), nil).
		WithDetail("view_id", id)
}

func InvalidView(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidView, message, cause)
}

func ReadOnly(operation string) *StorageError {
	return NewStorageError(ErrCodeReadOnly, fmt.Sprintf("store is read-only: %s rejected", operation), nil).
		WithDetail("operation", operation)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

func CommitLogFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCommitLogFailed, message, cause)
}

func CheckpointFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCheckpointFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsFatal reports whether err means durable state may no longer match
// memory. The process must not keep serving after such an error.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch GetCode(err) {
	case ErrCodeCommitLogFailed, ErrCodeCheckpointFailed:
		return true
	}
	return false
}
