/*
engine.go - Reservation Engine: atomic Book and Cancel

PURPOSE:
  Orchestrates booking and cancellation as atomic multi-entity operations.
  The engine validates input, resolves the three parties (employee, sponsoring
  manager, seat), then hands one atomic unit to the Store.

BOOK FLOW:
  1. ParseWindow                         -> ErrInvalidWindow
  2. Seat exists in the catalog           -> ErrNotFound
  3. Employee record, authoritative sponsor -> ErrNotFound
  4. Atomic unit {employee, manager, seat}:
       UsedOn + CheckDailyCap             -> ErrCapExceeded
       Debit(manager, cost)               -> ErrInsufficientFunds
       Reserve(seat, window)              -> ErrConflict
       RecordTransaction(RESERVATION, -cost)
     Any failure rolls back every write, including the debit.

CANCEL FLOW:
  1. Lookup; missing, foreign or already CANCELED -> ErrNotFound
  2. CheckCancellationWindow               -> ErrTooLate
  3. Atomic unit: re-check RESERVED under lock, Credit(charged),
     RecordTransaction(CANCELLATION, +charged), Release.
     Of two concurrent cancels only one sees RESERVED; the other gets ErrNotFound.

SIDE EFFECTS:
  Events and metrics are emitted only after commit. A failing notifier is
  logged and never changes the result of the operation.

SEE ALSO:
  - policy.go: The pure checks
  - store.go:  Atomic unit contract
*/
package reserve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier receives committed outcomes.
type Notifier interface {
	ReservationBooked(ctx context.Context, r Reservation, tx Transaction) error
	ReservationCanceled(ctx context.Context, r Reservation, tx Transaction) error
}

// Recorder receives per-operation outcomes for metrics.
type Recorder interface {
	ObserveBook(outcome string, elapsed time.Duration)
	ObserveCancel(outcome string, elapsed time.Duration)
}

type Engine struct {
	store    Store
	catalog  SeatCatalog
	policy   Policy
	now      func() time.Time
	newID    func() string
	log      zerolog.Logger
	notifier Notifier
	recorder Recorder
}

type Option func(*Engine)

// WithClock replaces time.Now. All engine times are UTC.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log.With().Str("component", "engine").Logger() }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func NewEngine(store Store, catalog SeatCatalog, policy Policy, opts ...Option) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:   store,
		catalog: catalog,
		policy:  policy,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) clock() time.Time { return e.now().UTC() }

// =============================================================================
// BOOK
// =============================================================================

// Book reserves seatID for [startText, endText) on behalf of employeeID and
// charges the employee's sponsoring manager.
func (e *Engine) Book(ctx context.Context, employeeID AccountID, seatID SeatID, startText, endText string) (Reservation, error) {
	began := time.Now()
	r, tx, err := e.book(ctx, employeeID, seatID, startText, endText)
	if e.recorder != nil {
		e.recorder.ObserveBook(Outcome(err), time.Since(began))
	}
	if err != nil {
		e.log.Debug().Err(err).
			Str("employee_id", string(employeeID)).
			Str("seat_id", string(seatID)).
			Str("outcome", Outcome(err)).
			Msg("booking rejected")
		return Reservation{}, err
	}

	e.log.Info().
		Str("reservation_id", string(r.ID)).
		Str("employee_id", string(r.EmployeeID)).
		Str("seat_id", string(r.SeatID)).
		Str("window", r.Window.String()).
		Msg("seat booked")
	if e.notifier != nil {
		if nerr := e.notifier.ReservationBooked(ctx, r, tx); nerr != nil {
			e.log.Warn().Err(nerr).Str("reservation_id", string(r.ID)).Msg("publish booked event failed")
		}
	}
	return r, nil
}

func (e *Engine) book(ctx context.Context, employeeID AccountID, seatID SeatID, startText, endText string) (Reservation, Transaction, error) {
	window, err := ParseWindow(startText, endText)
	if err != nil {
		return Reservation{}, Transaction{}, err
	}

	exists, err := e.catalog.SeatExists(ctx, seatID)
	if err != nil {
		return Reservation{}, Transaction{}, Storage("seat lookup", err)
	}
	if !exists {
		return Reservation{}, Transaction{}, &NotFoundError{Kind: "seat", ID: string(seatID)}
	}

	employee, err := e.employee(ctx, employeeID)
	if err != nil {
		return Reservation{}, Transaction{}, err
	}

	now := e.clock()
	day := DayOf(now)
	cost := e.policy.Cost()
	scope := Scope{Employee: employee.ID, Manager: employee.ManagerID, Seat: seatID}

	var (
		booked Reservation
		entry  Transaction
	)
	err = e.store.WithTx(ctx, scope, func(tx Tx) error {
		manager, err := tx.Account(ctx, employee.ManagerID)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if err != nil || !manager.IsManager() {
			return &NotFoundError{Kind: "manager", ID: string(employee.ManagerID)}
		}

		used, err := tx.UsedOn(ctx, employee.ID, day)
		if err != nil {
			return err
		}
		if err := e.policy.CheckDailyCap(used, cost); err != nil {
			var capErr *CapExceededError
			if errors.As(err, &capErr) {
				capErr.EmployeeID, capErr.Day = employee.ID, day
			}
			return err
		}

		if _, err := tx.Debit(ctx, manager.ID, cost); err != nil {
			return err
		}

		pending := Reservation{
			ID:         ReservationID(e.newID()),
			SeatID:     seatID,
			EmployeeID: employee.ID,
			Window:     window,
			Status:     StatusPendingCheck,
			Charged:    cost,
			CreatedAt:  now,
		}
		if !pending.Status.CanTransition(StatusReserved) {
			return fmt.Errorf("reservation %s: illegal transition %s -> %s", pending.ID, pending.Status, StatusReserved)
		}
		pending.Status = StatusReserved
		booked, err = tx.Reserve(ctx, pending)
		if err != nil {
			return err
		}

		entry = Transaction{
			ID:          TransactionID(e.newID()),
			ManagerID:   manager.ID,
			EmployeeID:  employee.ID,
			Amount:      cost.Neg(),
			Kind:        TxReservation,
			ReferenceID: booked.ID,
			Reason:      fmt.Sprintf("seat %s %s", seatID, window),
			CreatedAt:   now,
		}
		entry.ID, err = tx.RecordTransaction(ctx, entry)
		return err
	})
	if err != nil {
		return Reservation{}, Transaction{}, Storage("book", err)
	}
	return booked, entry, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel releases a reservation owned by employeeID and refunds the manager.
func (e *Engine) Cancel(ctx context.Context, reservationID ReservationID, employeeID AccountID) error {
	began := time.Now()
	r, tx, err := e.cancel(ctx, reservationID, employeeID)
	if e.recorder != nil {
		e.recorder.ObserveCancel(Outcome(err), time.Since(began))
	}
	if err != nil {
		e.log.Debug().Err(err).
			Str("reservation_id", string(reservationID)).
			Str("employee_id", string(employeeID)).
			Str("outcome", Outcome(err)).
			Msg("cancellation rejected")
		return err
	}

	e.log.Info().
		Str("reservation_id", string(r.ID)).
		Str("employee_id", string(r.EmployeeID)).
		Str("seat_id", string(r.SeatID)).
		Msg("reservation canceled")
	if e.notifier != nil {
		if nerr := e.notifier.ReservationCanceled(ctx, r, tx); nerr != nil {
			e.log.Warn().Err(nerr).Str("reservation_id", string(r.ID)).Msg("publish canceled event failed")
		}
	}
	return nil
}

func (e *Engine) cancel(ctx context.Context, reservationID ReservationID, employeeID AccountID) (Reservation, Transaction, error) {
	notFound := &NotFoundError{Kind: "reservation", ID: string(reservationID)}

	r, err := e.store.Reservation(ctx, reservationID)
	if err != nil {
		if IsNotFound(err) {
			return Reservation{}, Transaction{}, notFound
		}
		return Reservation{}, Transaction{}, Storage("load reservation", err)
	}
	if r.EmployeeID != employeeID || r.Status != StatusReserved {
		return Reservation{}, Transaction{}, notFound
	}

	now := e.clock()
	if err := e.policy.CheckCancellationWindow(now, r.Window.Start); err != nil {
		var lateErr *TooLateError
		if errors.As(err, &lateErr) {
			lateErr.ReservationID = r.ID
		}
		return Reservation{}, Transaction{}, err
	}

	employee, err := e.employee(ctx, r.EmployeeID)
	if err != nil {
		return Reservation{}, Transaction{}, err
	}

	scope := Scope{Employee: employee.ID, Manager: employee.ManagerID, Seat: r.SeatID}
	var (
		canceled Reservation
		entry    Transaction
	)
	err = e.store.WithTx(ctx, scope, func(tx Tx) error {
		current, err := tx.Reservation(ctx, reservationID)
		if err != nil {
			return notFound
		}
		if current.EmployeeID != employeeID || !current.Status.CanTransition(StatusCanceled) {
			return notFound
		}

		if _, err := tx.Credit(ctx, employee.ManagerID, current.Charged); err != nil {
			return err
		}

		entry = Transaction{
			ID:          TransactionID(e.newID()),
			ManagerID:   employee.ManagerID,
			EmployeeID:  employee.ID,
			Amount:      current.Charged,
			Kind:        TxCancellation,
			ReferenceID: current.ID,
			Reason:      fmt.Sprintf("cancel seat %s %s", current.SeatID, current.Window),
			CreatedAt:   now,
		}
		if entry.ID, err = tx.RecordTransaction(ctx, entry); err != nil {
			return err
		}

		if err := tx.Release(ctx, current.ID, now); err != nil {
			return err
		}
		canceled = current
		canceled.Status = StatusCanceled
		canceled.CanceledAt = &now
		return nil
	})
	if err != nil {
		return Reservation{}, Transaction{}, Storage("cancel", err)
	}
	return canceled, entry, nil
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// IsFree answers "is seat free for [start, end)?" from a consistent view of
// the seat's interval set. The answer may be stale by the time a Book runs.
func (e *Engine) IsFree(ctx context.Context, seatID SeatID, startText, endText string) (bool, error) {
	window, err := ParseWindow(startText, endText)
	if err != nil {
		return false, err
	}
	exists, err := e.catalog.SeatExists(ctx, seatID)
	if err != nil {
		return false, Storage("seat lookup", err)
	}
	if !exists {
		return false, &NotFoundError{Kind: "seat", ID: string(seatID)}
	}

	var free bool
	err = e.store.WithTx(ctx, Scope{Seat: seatID}, func(tx Tx) error {
		free, err = tx.IsFree(ctx, seatID, window)
		return err
	})
	return free, Storage("availability", err)
}

// employee loads an account and checks it is an employee with a sponsor.
func (e *Engine) employee(ctx context.Context, id AccountID) (Account, error) {
	acct, err := e.store.Account(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return Account{}, &NotFoundError{Kind: "employee", ID: string(id)}
		}
		return Account{}, Storage("load employee", err)
	}
	if !acct.IsEmployee() {
		return Account{}, &NotFoundError{Kind: "employee", ID: string(id)}
	}
	if acct.ManagerID == "" {
		return Account{}, &NotFoundError{Kind: "manager", ID: ""}
	}
	return acct, nil
}
