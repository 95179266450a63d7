// Package apperr holds the error taxonomy shared by the lifecycle services
// and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation marks bad input detected before any store call.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientFunds indicates the balance cannot cover the requested debit.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAuthenticationRequired indicates the caller has no authenticated session.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrForbidden indicates the session lacks the role required by the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrAccountBlocked indicates the profile was blocked by an administrator.
	ErrAccountBlocked = errors.New("account blocked")
	// ErrAlreadyProcessed guards against resolving a transaction twice.
	ErrAlreadyProcessed = errors.New("transaction already processed")
	// ErrNotFound indicates the addressed row does not exist or is not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrPersistence indicates the store was unreachable or rejected a write.
	ErrPersistence = errors.New("persistence failure")
	// ErrCreationFailed indicates an order could not be persisted after its debit.
	ErrCreationFailed = errors.New("order creation failed")
	// ErrCompensation indicates a compensating credit failed, leaving a debited
	// balance without its order.
	ErrCompensation = errors.New("compensation failure")
	// ErrClaimExpired indicates the recharge claim window closed before submission.
	ErrClaimExpired = errors.New("recharge claim expired")
	// ErrDuplicateReference indicates the external reference was already claimed.
	ErrDuplicateReference = errors.New("external reference already submitted")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a store failure with the operation that triggered it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persistence wraps err as a PersistenceError. A nil err stays nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// CompensationError records a refund that could not be applied.
type CompensationError struct {
	UserID  string
	Amount  decimal.Decimal
	Trigger error
	Cause   error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("refund of %s to user %s failed after %v: %v", e.Amount.String(), e.UserID, e.Trigger, e.Cause)
}

func (e *CompensationError) Unwrap() []error { return []error{ErrCompensation, e.Cause} }

// InsufficientFundsError carries the amounts involved in a refused debit.
type InsufficientFundsError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s, required %s", e.Balance.String(), e.Required.String())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }
