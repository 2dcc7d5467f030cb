package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrCreditLimitExceeded   = errors.New("credit limit exceeded")
	ErrRegisterAlreadyOpen   = errors.New("register already open")
	ErrRegisterClosed        = errors.New("register closed")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrIdempotencyInProgress = errors.New("idempotency key in progress")
	ErrValidation            = errors.New("validation failed")
	ErrForbidden             = errors.New("forbidden")
)

type InsufficientStockError struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type CreditLimitExceededError struct {
	CustomerID string `json:"customer_id"`
	Requested  int64  `json:"requested"`
	Available  int64  `json:"available"`
}

func (e *CreditLimitExceededError) Error() string {
	return fmt.Sprintf("credit limit exceeded for %s: requested %d, available %d", e.CustomerID, e.Requested, e.Available)
}

func (e *CreditLimitExceededError) Is(target error) bool {
	return target == ErrCreditLimitExceeded
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func NewValidationError(field string, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Stable error kinds, surfaced by the service layer as response codes.
const (
	KindNotFound              = "not_found"
	KindAlreadyExists         = "already_exists"
	KindInsufficientStock     = "insufficient_stock"
	KindCreditLimitExceeded   = "credit_limit_exceeded"
	KindRegisterAlreadyOpen   = "register_already_open"
	KindRegisterClosed        = "register_closed"
	KindConcurrencyConflict   = "concurrency_conflict"
	KindIdempotencyInProgress = "idempotency_in_progress"
	KindValidation            = "validation_error"
	KindForbidden             = "forbidden"
	KindInternal              = "internal"
)

func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrCreditLimitExceeded):
		return KindCreditLimitExceeded
	case errors.Is(err, ErrRegisterAlreadyOpen):
		return KindRegisterAlreadyOpen
	case errors.Is(err, ErrRegisterClosed):
		return KindRegisterClosed
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrIdempotencyInProgress):
		return KindIdempotencyInProgress
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	}
	return KindInternal
}

// IsRetryable reports failures the caller should retry after a backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrIdempotencyInProgress)
}

// FailureEnvelope is the serialized form of a failure cached as an
// idempotency result.
type FailureEnvelope struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func EnvelopeFor(err error) *FailureEnvelope {
	env := &FailureEnvelope{Kind: ErrorKind(err), Message: err.Error()}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		env.Field = vErr.Field
		env.Message = vErr.Message
	}
	return env
}

// Err rebuilds an error from a cached envelope.
func (e *FailureEnvelope) Err() error {
	switch e.Kind {
	case KindValidation:
		return &ValidationError{Field: e.Field, Message: e.Message}
	case KindNotFound:
		return fmt.Errorf("%s: %w", e.Message, ErrNotFound)
	}
	return errors.New(e.Message)
}
