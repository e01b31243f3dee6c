/*
Package reserve is the seat reservation and BluDollar ledger engine.

PURPOSE:
  Employees book a shared seat for a bounded time window. Every booking is
  paid for by the employee's sponsoring manager from a BluDollar balance.
  This package owns the three-party invariants between employee, manager
  and seat, and keeps reservation state and balance state consistent.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:     Single tagged variant over {Employee, Manager}
  - Seat:        Catalog entity (read-only to the engine)
  - Reservation: A seat held for a half-open window [start, end)
  - Transaction: Append-only ledger entry, signed amount

DESIGN PRINCIPLES:
  1. The transaction log is the source of truth for daily usage. There is no
     "used today" counter that could drift from it.
  2. Book and Cancel are atomic units: the debit/credit, the ledger entry and
     the reservation row commit together or not at all.
  3. Overlap on a seat is rejected by the store inside the atomic unit, never
     by a separate check-then-insert.

SEE ALSO:
  - engine.go: Book / Cancel orchestration
  - policy.go: Cost, daily cap and cancellation window rules
  - store.go:  Persistence contract implemented by store/memory, store/sqlite, store/postgres
*/
package reserve

import (
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type SeatID string
type ReservationID string
type TransactionID string

// =============================================================================
// ACCOUNT - Employee or Manager, discriminated by Kind
// =============================================================================

// AccountKind is the discriminant of the Account variant.
type AccountKind string

const (
	KindEmployee AccountKind = "EMPLOYEE"
	KindManager  AccountKind = "MANAGER"
)

// ParseAccountKind accepts the role names used at registration, case-insensitively.
func ParseAccountKind(s string) (AccountKind, bool) {
	switch AccountKind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindEmployee:
		return KindEmployee, true
	case KindManager:
		return KindManager, true
	}
	return "", false
}

// Account is one row of the accounts table.
//
// Employee-only: ManagerID (fixed at registration, never updated).
// Manager-only:  Balance, InitialBalance.
type Account struct {
	ID           AccountID
	Kind         AccountKind
	Username     string
	Email        string
	PasswordHash string

	ManagerID AccountID

	Balance        Amount
	InitialBalance Amount

	CreatedAt time.Time
}

func (a Account) IsEmployee() bool { return a.Kind == KindEmployee }
func (a Account) IsManager() bool  { return a.Kind == KindManager }

// ProfileUpdate changes the self-service fields of an account. Nil fields are
// left alone. Kind, ManagerID and balances are not reachable from here.
type ProfileUpdate struct {
	Username     *string
	Email        *string
	PasswordHash *string
}

// =============================================================================
// SEAT
// =============================================================================

type Seat struct {
	ID     SeatID
	Number int
}

// =============================================================================
// RESERVATION
// =============================================================================

type Reservation struct {
	ID         ReservationID
	SeatID     SeatID
	EmployeeID AccountID
	Window     Window
	Status     ReservationStatus

	// Charged is what the sponsoring manager paid; a cancellation refunds exactly this.
	Charged Amount

	CreatedAt  time.Time
	CanceledAt *time.Time
}

// ReservationFilter selects reservations for listing. Zero fields match everything.
type ReservationFilter struct {
	EmployeeID AccountID
	SeatID     SeatID
	Status     ReservationStatus
	Overlaps   *Window
}

// =============================================================================
// TRANSACTION - Append-only ledger entry
// =============================================================================

type TransactionKind string

const (
	TxReservation  TransactionKind = "RESERVATION"  // debit, negative amount
	TxCancellation TransactionKind = "CANCELLATION" // credit, positive amount
)

// Transaction is never updated or deleted.
type Transaction struct {
	ID          TransactionID
	ManagerID   AccountID
	EmployeeID  AccountID
	Amount      Amount // signed from the manager's point of view
	Kind        TransactionKind
	ReferenceID ReservationID
	Reason      string
	CreatedAt   time.Time
}

// TransactionFilter selects ledger entries. Zero fields match everything.
type TransactionFilter struct {
	ManagerID  AccountID
	EmployeeID AccountID
	Kind       TransactionKind
	From, To   time.Time // [From, To) on CreatedAt when non-zero
}

func (f TransactionFilter) Match(tx Transaction) bool {
	if f.ManagerID != "" && tx.ManagerID != f.ManagerID {
		return false
	}
	if f.EmployeeID != "" && tx.EmployeeID != f.EmployeeID {
		return false
	}
	if f.Kind != "" && tx.Kind != f.Kind {
		return false
	}
	if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !tx.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
