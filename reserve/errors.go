/*
errors.go - Centralized error taxonomy for the reservation engine

PURPOSE:
  Every rejected path returns a distinct, inspectable reason. Callers test
  with errors.Is against the sentinels; structured errors carry the details
  and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Caller errors      - ErrInvalidWindow (no side effects)
  2. Business rejections - ErrCapExceeded, ErrInsufficientFunds, ErrConflict,
                          ErrTooLate (no side effects, not retried)
  3. Lookup failures    - ErrNotFound (missing, not owned, already canceled)
  4. Identity failures  - ErrUnauthorized (before any core logic runs)
  5. Infrastructure     - ErrStorageFailure (atomic unit fully rolled back,
                          caller may retry the whole operation)

USAGE:
  if errors.Is(err, reserve.ErrConflict) {
      // seat already taken for an overlapping window
  }

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package reserve

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidWindow is returned for malformed or inverted reservation times.
	ErrInvalidWindow = errors.New("invalid reservation window")

	// ErrCapExceeded is returned when a booking would push the employee past the daily cap.
	ErrCapExceeded = errors.New("daily BluDollar cap exceeded")

	// ErrInsufficientFunds is returned when the sponsoring manager cannot pay.
	ErrInsufficientFunds = errors.New("insufficient BluDollar balance")

	// ErrConflict is returned when the seat is already reserved for an overlapping window.
	ErrConflict = errors.New("seat already reserved for an overlapping window")

	// ErrNotFound covers missing reservations, employees, managers and seats,
	// reservations owned by someone else, and reservations already canceled.
	ErrNotFound = errors.New("not found")

	// ErrTooLate is returned when a cancellation is inside the minimum lead time.
	ErrTooLate = errors.New("too late to cancel")

	// ErrUnauthorized is returned when the identity collaborator rejects a token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStorageFailure marks transient infrastructure faults.
	ErrStorageFailure = errors.New("storage failure")

	// ErrDuplicateAccount is returned when an email is already registered.
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrDuplicateSeat is returned when a seat id or number is already in the catalog.
	ErrDuplicateSeat = errors.New("seat already exists")

	// ErrInvalidPolicy is returned by Policy.Validate.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrOutOfScope is returned by a store when a transaction touches a key
	// it did not declare in its Scope.
	ErrOutOfScope = errors.New("key outside transaction scope")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidWindowError describes why the window was rejected.
type InvalidWindowError struct {
	Start  string
	End    string
	Reason string
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("invalid reservation window %q - %q: %s", e.Start, e.End, e.Reason)
}

func (e *InvalidWindowError) Unwrap() error { return ErrInvalidWindow }

// CapExceededError provides details about a daily cap violation.
type CapExceededError struct {
	EmployeeID AccountID
	Day        Day
	UsedToday  Amount
	Cost       Amount
	Cap        Amount
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("daily cap exceeded for %s on %s: used %s + cost %s > cap %s",
		e.EmployeeID, e.Day, e.UsedToday, e.Cost, e.Cap)
}

func (e *CapExceededError) Unwrap() error { return ErrCapExceeded }

// InsufficientFundsError provides details about a manager balance shortage.
type InsufficientFundsError struct {
	ManagerID AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance for manager %s: available %s, requested %s",
		e.ManagerID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ConflictError names the seat and the window that lost.
type ConflictError struct {
	SeatID SeatID
	Window Window
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("seat %s already reserved for a window overlapping %s", e.SeatID, e.Window)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TooLateError provides details about a cancellation-window violation.
type TooLateError struct {
	ReservationID ReservationID
	Start         time.Time
	Now           time.Time
	MinLead       time.Duration
}

func (e *TooLateError) Error() string {
	return fmt.Sprintf("reservation %s starts %s, cancellation needs %s lead time (now %s)",
		e.ReservationID, e.Start.Format(WindowLayout), e.MinLead, e.Now.Format(WindowLayout))
}

func (e *TooLateError) Unwrap() error { return ErrTooLate }

// NotFoundError names what was missing.
type NotFoundError struct {
	Kind string // "reservation", "employee", "manager", "seat", "account"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StorageError wraps a driver error. It matches ErrStorageFailure and still
// unwraps to the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

// Storage wraps err as a StorageError unless it is nil or already a domain error.
func Storage(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// IsClientError returns true for rejections caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrCapExceeded) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTooLate)
}

// IsNotFound returns true if the error indicates a missing or foreign resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDomainError reports whether err already belongs to the taxonomy above.
func IsDomainError(err error) bool {
	return IsClientError(err) || IsNotFound(err) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrStorageFailure) ||
		errors.Is(err, ErrDuplicateAccount) ||
		errors.Is(err, ErrDuplicateSeat) ||
		errors.Is(err, ErrOutOfScope)
}

// Outcome is a stable label for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidWindow):
		return "invalid_window"
	case errors.Is(err, ErrCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTooLate):
		return "too_late"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	default:
		return "error"
	}
}
