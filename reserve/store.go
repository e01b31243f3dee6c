/*
store.go - Persistence contracts for the reservation engine

PURPOSE:
  Defines the boundary between the engine and its backing stores. All
  coordination between concurrent requests is pushed down to the store:
  the engine itself holds no shared mutable state.

KEY INTERFACES:
  Store:        Atomic units (WithTx) plus lock-free reads used to build a scope
  Tx:           Ledger Store + Availability Index operations inside one atomic unit
  LedgerReader: Read-only ledger view (balance, transactions, daily usage)
  SeatCatalog:  External collaborator confirming that a seat exists

ATOMIC UNITS:
  WithTx(ctx, scope, fn) runs fn against a Tx. If fn returns an error every
  write made through the Tx is discarded. If fn returns nil, all writes
  commit together.

  The Scope names every contended key the unit may write:
    Employee - daily usage is derived from this employee's transactions
    Manager  - the balance that is debited or credited
    Seat     - the interval set checked for overlap

  Stores acquire the keys in a fixed order (employee -> manager -> seat) so two
  units can never deadlock. Units on different seats with different sponsors
  never wait on each other. Writing outside the declared scope fails with
  ErrOutOfScope.

APPEND-ONLY CONTRACT:
  Transactions have RecordTransaction and nothing else. Corrections are made
  with a CANCELLATION entry that reverses the RESERVATION entry.

IMPLEMENTATIONS:
  - store/memory:   per-key mutexes, staged writes applied on commit
  - store/sqlite:   single writer, BEFORE INSERT trigger rejects overlaps
  - store/postgres: row locks + EXCLUDE constraint on (seat, tsrange)

SEE ALSO:
  - engine.go: Builds the scope and drives the unit
  - store/storetest: Conformance suite every implementation runs
*/
package reserve

import (
	"context"
	"time"
)

// Scope declares the keys an atomic unit locks. Empty fields are not locked.
type Scope struct {
	Employee AccountID
	Manager  AccountID
	Seat     SeatID
}

// =============================================================================
// TX - Operations available inside an atomic unit
// =============================================================================

type Tx interface {
	// Account reads an account as seen by this unit.
	Account(ctx context.Context, id AccountID) (Account, error)

	// ---- Ledger Store ----

	// UsedOn is the employee's net BluDollar spend on day, derived from the log.
	// A CANCELLATION offsets it only when the reservation was also booked on
	// day; cancelling an earlier day's booking refunds the manager but frees no
	// cap room (see NetSpend).
	UsedOn(ctx context.Context, employee AccountID, day Day) (Amount, error)

	// Debit subtracts amount from the manager balance, failing with
	// ErrInsufficientFunds when the balance is lower than amount.
	Debit(ctx context.Context, manager AccountID, amount Amount) (Amount, error)

	// Credit adds amount to the manager balance unconditionally.
	Credit(ctx context.Context, manager AccountID, amount Amount) (Amount, error)

	// RecordTransaction appends a ledger entry. An empty ID is assigned.
	RecordTransaction(ctx context.Context, t Transaction) (TransactionID, error)

	// ---- Availability Index ----

	// IsFree reports whether no RESERVED reservation on seat overlaps w.
	IsFree(ctx context.Context, seat SeatID, w Window) (bool, error)

	// Reserve inserts r with status RESERVED. The overlap test and the insert
	// are one step: a concurrent overlapping Reserve gets ErrConflict.
	Reserve(ctx context.Context, r Reservation) (Reservation, error)

	// Reservation reads a reservation as seen by this unit.
	Reservation(ctx context.Context, id ReservationID) (Reservation, error)

	// Release flips a RESERVED reservation to CANCELED. Any other state
	// returns ErrNotFound.
	Release(ctx context.Context, id ReservationID, at time.Time) error
}

// Store runs atomic units and serves the unlocked reads the engine needs
// to compute a unit's scope.
type Store interface {
	WithTx(ctx context.Context, scope Scope, fn func(Tx) error) error

	Account(ctx context.Context, id AccountID) (Account, error)
	Reservation(ctx context.Context, id ReservationID) (Reservation, error)
}

// =============================================================================
// READ MODELS
// =============================================================================

// LedgerReader is the read-only ledger view used by the API and reconciliation.
type LedgerReader interface {
	Balance(ctx context.Context, manager AccountID) (Amount, error)
	Transactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	UsedOn(ctx context.Context, employee AccountID, day Day) (Amount, error)
}

type ReservationLister interface {
	ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, error)
}

type AccountLister interface {
	// ListAccounts returns accounts of the given kind, or all when kind is empty.
	ListAccounts(ctx context.Context, kind AccountKind) ([]Account, error)
}

// SeatCatalog confirms seat existence. Unknown seats are ErrNotFound to callers.
type SeatCatalog interface {
	SeatExists(ctx context.Context, id SeatID) (bool, error)
}
