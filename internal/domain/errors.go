package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrOriginDenied     = fmt.Errorf("origin not allowed")
	ErrCapacityExceeded = fmt.Errorf("connection limit reached")
	ErrHandshakeTimeout = fmt.Errorf("handshake timed out")
	ErrLockConflict     = fmt.Errorf("write lock held by another interface")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Gateway.Handshake")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeOriginDenied     ErrorCode = "ORIGIN_DENIED"
	CodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	CodeHandshakeTimeout ErrorCode = "HANDSHAKE_TIMEOUT"
	CodeLockConflict     ErrorCode = "LOCK_CONFLICT"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrAuthInvalid:      CodeAuthInvalid,
	ErrOriginDenied:     CodeOriginDenied,
	ErrCapacityExceeded: CodeCapacityExceeded,
	ErrHandshakeTimeout: CodeHandshakeTimeout,
	ErrLockConflict:     CodeLockConflict,
	ErrInvalidInput:     CodeInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
