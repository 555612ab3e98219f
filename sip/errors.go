package sip

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ghettovoice/sipcall/internal/errorutil"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionExists        Error = "transaction already exists"
	ErrTransactionNotFound      Error = "transaction not found"
	ErrTransactionNotMatched    Error = "message not matched to transaction"
	ErrTransactionTimedOut      Error = "transaction timed out"
	ErrTransactionManagerClosed Error = "transaction manager closed"
)

// Dialog errors.
const (
	ErrDialogNotFound      Error = "dialog not found"
	ErrDialogTerminated    Error = "dialog terminated"
	ErrDialogManagerClosed Error = "dialog manager closed"
	ErrSessionNotFound     Error = "session not found"
)

// Transport errors.
const (
	ErrTransportClosed Error = "transport closed"
	ErrNoTarget        Error = "no target resolved"
)

// Message errors.
const (
	ErrInvalidMessage   Error = "invalid message"
	ErrMethodNotAllowed Error = "request method not allowed"
)

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// ErrorCategory classifies a failure for the caller's retry logic.
type ErrorCategory string

const (
	ErrorCategoryProtocol  ErrorCategory = "protocol"
	ErrorCategoryNotFound  ErrorCategory = "not_found"
	ErrorCategoryTimeout   ErrorCategory = "timeout"
	ErrorCategoryTransport ErrorCategory = "transport"
	ErrorCategoryInternal  ErrorCategory = "internal"
)

// ErrorSeverity grades how much of the call is affected.
type ErrorSeverity string

const (
	ErrorSeverityInfo     ErrorSeverity = "info"
	ErrorSeverityWarning  ErrorSeverity = "warning"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// RecoveryAction suggests what the caller should do next.
type RecoveryAction string

const (
	RecoveryActionNone      RecoveryAction = "none"
	RecoveryActionRetry     RecoveryAction = "retry"
	RecoveryActionTerminate RecoveryAction = "terminate"
)

// ErrorContext carries structured failure metadata alongside an error
// so callers can decide how to react without string matching.
type ErrorContext struct {
	Category  ErrorCategory
	Severity  ErrorSeverity
	Recovery  RecoveryAction
	Retryable bool
	Timestamp time.Time
}

// LogValue implements [slog.LogValuer].
func (c ErrorContext) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("category", string(c.Category)),
		slog.String("severity", string(c.Severity)),
		slog.String("recovery", string(c.Recovery)),
		slog.Bool("retryable", c.Retryable),
		slog.Time("timestamp", c.Timestamp),
	)
}

// ContextualError is an error decorated with an [ErrorContext].
type ContextualError struct {
	Err error
	Ctx ErrorContext
}

func (e *ContextualError) Error() string {
	return fmt.Sprintf("%s (%s/%s)", e.Err, e.Ctx.Category, e.Ctx.Severity)
}

func (e *ContextualError) Unwrap() error { return e.Err }

// NewNotFoundError wraps sentinel as a not-found [ContextualError].
// The double-termination path returns this on the second attempt.
func NewNotFoundError(sentinel error, args ...any) error {
	return &ContextualError{ //errtrace:skip
		Err: errorutil.NewWrapperError(sentinel, args...),
		Ctx: ErrorContext{
			Category:  ErrorCategoryNotFound,
			Severity:  ErrorSeverityWarning,
			Recovery:  RecoveryActionNone,
			Retryable: false,
			Timestamp: time.Now(),
		},
	}
}

// NewTimeoutError wraps sentinel as a timeout [ContextualError].
func NewTimeoutError(sentinel error, args ...any) error {
	return &ContextualError{ //errtrace:skip
		Err: errorutil.NewWrapperError(sentinel, args...),
		Ctx: ErrorContext{
			Category:  ErrorCategoryTimeout,
			Severity:  ErrorSeverityWarning,
			Recovery:  RecoveryActionRetry,
			Retryable: true,
			Timestamp: time.Now(),
		},
	}
}

// NewTransportError wraps err as a transport [ContextualError].
func NewTransportError(err error) error {
	return &ContextualError{ //errtrace:skip
		Err: err,
		Ctx: ErrorContext{
			Category:  ErrorCategoryTransport,
			Severity:  ErrorSeverityWarning,
			Recovery:  RecoveryActionRetry,
			Retryable: true,
			Timestamp: time.Now(),
		},
	}
}
