package db

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors for common conditions
var (
	// Lifecycle errors
	ErrNotConnected   = errors.New("backend not connected")
	ErrNotConfigured  = errors.New("backend not configured")
	ErrUnsupported    = errors.New("operation not supported by backend")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrBackendClosing = errors.New("backend is disconnecting")

	// Data errors
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrConflict      = errors.New("concurrent modification detected")
	ErrInvalidData   = errors.New("invalid data format")
	ErrInvalidQuery  = errors.New("invalid query")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrTimeout            = errors.New("operation timed out")
	ErrQuotaExceeded      = errors.New("quota exceeded")

	// Transaction errors
	ErrTransactionFailed = errors.New("transaction failed")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// BackendError is the error carried by a failed OperationResult. It keeps the
// driver's own error reachable through errors.Is/As alongside the sentinel kind.
type BackendError struct {
	Backend   Backend
	Operation string
	Kind      error
	Cause     error
}

func (e *BackendError) Error() string {
	if e.Cause == nil || e.Cause == e.Kind {
		return fmt.Sprintf("[%s] %s: %v", e.Backend, e.Operation, e.Kind)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Backend, e.Operation, e.Cause)
}

func (e *BackendError) Unwrap() []error {
	if e.Cause == nil || e.Cause == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// wrapError classifies a driver error and wraps it. Errors that are already
// BackendErrors are returned untouched.
func wrapError(backend Backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	var kind error
	switch backend {
	case BackendMongo:
		kind = classifyMongoError(err)
	case BackendFirestore:
		kind = classifyFirestoreError(err)
	default:
		kind = classifyCommonError(err)
	}
	return &BackendError{Backend: backend, Operation: op, Kind: kind, Cause: err}
}

// newBackendError builds a BackendError whose cause is the kind itself.
func newBackendError(backend Backend, op string, kind error) error {
	return &BackendError{Backend: backend, Operation: op, Kind: kind, Cause: kind}
}

func classifyCommonError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrTimeout
	}
	for _, sentinel := range []error{
		ErrNotConnected, ErrNotConfigured, ErrUnsupported, ErrInvalidConfig, ErrBackendClosing,
		ErrNotFound, ErrAlreadyExists, ErrConflict, ErrInvalidData, ErrInvalidQuery,
		ErrBackendUnavailable, ErrUnauthorized, ErrTimeout, ErrQuotaExceeded, ErrTransactionFailed,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return ErrBackendUnavailable
}

// MongoDB server error codes that map onto our kinds.
const (
	mongoCodeUnauthorized         = 13
	mongoCodeAuthenticationFailed = 18
	mongoCodeWriteConflict        = 112
)

func classifyMongoError(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case errors.Is(err, mongo.ErrClientDisconnected):
		return ErrNotConnected
	case mongo.IsDuplicateKeyError(err):
		return ErrAlreadyExists
	case mongo.IsTimeout(err):
		return ErrTimeout
	case mongo.IsNetworkError(err):
		return ErrBackendUnavailable
	}

	var argErr mongo.InvalidArgumentError
	if errors.As(err, &argErr) {
		return ErrInvalidData
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		switch {
		case serverErr.HasErrorCode(mongoCodeWriteConflict),
			serverErr.HasErrorLabel("TransientTransactionError"):
			return ErrConflict
		case serverErr.HasErrorCode(mongoCodeUnauthorized),
			serverErr.HasErrorCode(mongoCodeAuthenticationFailed):
			return ErrUnauthorized
		}
	}

	return classifyCommonError(err)
}

func classifyFirestoreError(err error) error {
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.NotFound:
			return ErrNotFound
		case codes.AlreadyExists:
			return ErrAlreadyExists
		case codes.Aborted, codes.FailedPrecondition:
			return ErrConflict
		case codes.InvalidArgument, codes.OutOfRange:
			return ErrInvalidQuery
		case codes.DeadlineExceeded, codes.Canceled:
			return ErrTimeout
		case codes.Unavailable:
			return ErrBackendUnavailable
		case codes.PermissionDenied, codes.Unauthenticated:
			return ErrUnauthorized
		case codes.ResourceExhausted:
			return ErrQuotaExceeded
		}
	}
	return classifyCommonError(err)
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a conflict/concurrent modification error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrConflict)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrNotConfigured) ||
		errors.Is(err, ErrUnsupported)
}

// isBackendFault reports whether err says something about backend health, as
// opposed to the request itself. Only these trip the circuit breaker.
func isBackendFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrTimeout)
}

var errorKindNames = []struct {
	err  error
	name string
}{
	{ErrNotConnected, "not_connected"},
	{ErrNotConfigured, "not_configured"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrConflict, "conflict"},
	{ErrInvalidData, "invalid_data"},
	{ErrInvalidQuery, "invalid_query"},
	{ErrUnauthorized, "unauthorized"},
	{ErrTimeout, "timeout"},
	{ErrQuotaExceeded, "quota_exceeded"},
	{ErrTransactionFailed, "transaction_failed"},
	{ErrInvalidConfig, "invalid_config"},
	{ErrUnsupported, "unsupported"},
	{ErrBackendClosing, "closing"},
	{ErrBackendUnavailable, "unavailable"},
}

// ErrorKind returns a short label for the kind of err, used as the
// error_type metric label. Unclassified errors are "unknown".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}
