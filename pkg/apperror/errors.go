package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers that need to branch on it.
type Kind string

const (
	KindUnauthenticated     Kind = "UNAUTHENTICATED"
	KindInvalidInput        Kind = "INVALID_INPUT"
	KindForbidden           Kind = "FORBIDDEN"
	KindConflictOrTransient Kind = "CONFLICT_OR_TRANSIENT"
	KindStorageFailure      Kind = "STORAGE_FAILURE"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Kind       Kind   `json:"-"`
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, kind Kind, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, kind Kind, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// WithField returns a copy of e naming the offending input field.
func (e *AppError) WithField(field string) *AppError {
	cp := *e
	cp.Field = field
	return &cp
}

// KindOf returns the Kind of the first AppError in err's chain, or
// KindStorageFailure for anything else.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindStorageFailure
}

// ---- Authentication (AUTH) ----

func ErrUnauthenticated() *AppError {
	return New("AUTH_001", KindUnauthenticated, "User not authenticated.", http.StatusUnauthorized)
}

func ErrAccountNotFound() *AppError {
	return New("AUTH_002", KindInvalidInput, "Account doesn't exist.", http.StatusBadRequest).WithField("email")
}

func ErrIncorrectPassword() *AppError {
	return New("AUTH_003", KindInvalidInput, "Incorrect password.", http.StatusBadRequest).WithField("password")
}

// ---- Accounts (ACC) ----

func ErrAccountExists() *AppError {
	return New("ACC_001", KindForbidden, "Account already exist.", http.StatusForbidden).WithField("email")
}

// ---- Input (INPUT) ----

// InvalidInput reports a field-level validation failure.
func InvalidInput(field, message string) *AppError {
	return New("INPUT_001", KindInvalidInput, message, http.StatusBadRequest).WithField(field)
}

// ---- Transfers (TRF) ----

func ErrSelfTransfer() *AppError {
	return New("TRF_001", KindForbidden, "Cannot transfer to self.", http.StatusForbidden).WithField("email")
}

func ErrRecipientNotFound() *AppError {
	return New("TRF_002", KindForbidden, "Recipient does not exist.", http.StatusForbidden).WithField("email")
}

func ErrInvalidAmount() *AppError {
	return New("TRF_003", KindForbidden, "Amount should be greater 0.", http.StatusForbidden).WithField("amount")
}

func ErrInsufficientBalance() *AppError {
	return New("TRF_004", KindForbidden, "Insufficient balance.", http.StatusForbidden).WithField("amount")
}

// ---- Idempotency (IDEM) ----

func ErrIdempotencyKeyReused() *AppError {
	return New("IDEM_001", KindConflictOrTransient, "Idempotency key was already used for a different request.", http.StatusConflict)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", KindStorageFailure, "Internal database error", http.StatusInternalServerError, err)
}

func ErrConflict(err error) *AppError {
	return Wrap("SYS_002", KindConflictOrTransient, "Concurrent update, please retry", http.StatusServiceUnavailable, err)
}

// ErrCommitUnknown reports a transfer whose commit may or may not have been
// applied. Only a replay with the same Idempotency-Key is safe.
func ErrCommitUnknown(err error) *AppError {
	return Wrap("SYS_003", KindStorageFailure, "Transfer outcome unknown, retry with the same Idempotency-Key", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", KindStorageFailure, "Internal server error", http.StatusInternalServerError, err)
}
