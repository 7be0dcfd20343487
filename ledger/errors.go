/*
errors.go - Centralized error kinds for the ledger engine

PURPOSE:
  All error kinds in one place. Callers match with errors.Is/errors.As and
  translate to transport-level responses; the engine never panics on a
  business-rule violation.

ERROR CATEGORIES:
  1. Reference errors - member/privilege missing or unusable
  2. Validation errors - bad amounts, double ownership
  3. Balance errors - insufficient points (with required/available detail)
  4. Infrastructure errors - lost races, store failures

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      var ib *ledger.InsufficientBalanceError
      errors.As(err, &ib)
      // ib.Required, ib.Available
  }

SEE ALSO:
  - fifo.go: raises InsufficientBalance / ConcurrencyConflict
  - privilege/exchange.go: raises the privilege-side kinds
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMemberNotFound is returned when the referenced member does not
	// exist or is inactive. Every mutating operation checks this first.
	ErrMemberNotFound = errors.New("member not found")

	// ErrPrivilegeNotFound is returned when the referenced privilege does
	// not exist.
	ErrPrivilegeNotFound = errors.New("privilege not found")

	// ErrPrivilegeInactive is returned when the privilege exists but has
	// been deactivated by an administrator.
	ErrPrivilegeInactive = errors.New("privilege is not active")

	// ErrInvalidAmount is returned for non-positive earn/deduct amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidDescription is returned when a ledger entry is created
	// without a description. Every row must say why it exists.
	ErrInvalidDescription = errors.New("description is required")

	// ErrInsufficientBalance is returned when a deduction or exchange asks
	// for more than the member's available balance. Nothing is mutated.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyOwned is returned when exchanging a privilege the member
	// already holds an active grant for.
	ErrAlreadyOwned = errors.New("privilege already owned")

	// ErrConcurrencyConflict is returned when a guarded write lost a race
	// (batch consumed or expired between read and commit). The whole
	// operation rolled back; callers should retry it from the start.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrPersistenceFailure wraps store-level failures. The operation is
	// guaranteed not to have partially applied.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrGrantStoreRequired is returned when an exchange is attempted
	// against a store that cannot persist privilege grants.
	ErrGrantStoreRequired = errors.New("operation requires a grant-capable store")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError carries the amounts a caller needs for display.
type InsufficientBalanceError struct {
	MemberID  MemberID
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient points: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// PersistenceError wraps an underlying store failure with the operation name.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return ErrPersistenceFailure
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid caller input
// rather than an engine/store fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidDescription) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyOwned) ||
		errors.Is(err, ErrPrivilegeInactive)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrPrivilegeNotFound)
}
