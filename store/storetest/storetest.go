/*
Package storetest is the conformance suite every store.Backend must pass.

USAGE (from a backend's external test package):

	func TestConformance(t *testing.T) {
	    storetest.Run(t, func(t *testing.T) store.Backend {
	        s, err := sqlite.New(":memory:")
	        require.NoError(t, err)
	        t.Cleanup(func() { s.Close() })
	        return s
	    })
	}

Each subtest gets a fresh backend from the factory.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blureserve/seat-engine/reserve"
	"github.com/blureserve/seat-engine/store"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) store.Backend

var (
	day0    = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	manager = reserve.AccountID("mgr-1")
	staff   = reserve.AccountID("emp-1")
	seat    = reserve.SeatID("seat-1")
)

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Backend)
	}{
		{"Accounts", testAccounts},
		{"Seats", testSeats},
		{"DebitAndCredit", testDebitAndCredit},
		{"RollbackDiscardsEveryWrite", testRollback},
		{"ReserveRejectsOverlap", testReserveOverlap},
		{"ReleaseIsOneWay", testRelease},
		{"UsedOnNetsSameDayCancellations", testUsedOn},
		{"ScopeIsEnforced", testScope},
		{"ConcurrentReserveHasOneWinner", testConcurrentReserve},
		{"ListingFilters", testListing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// Seed creates manager mgr-1 with balance, employee emp-1 sponsored by it,
// and seat seat-1.
func Seed(t *testing.T, s store.Backend, balance int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, reserve.Account{
		ID: manager, Kind: reserve.KindManager, Username: "maria", Email: "maria@example.com",
		InitialBalance: reserve.BluDollars(balance), CreatedAt: day0,
	}))
	require.NoError(t, s.CreateAccount(ctx, reserve.Account{
		ID: staff, Kind: reserve.KindEmployee, Username: "eli", Email: "eli@example.com",
		ManagerID: manager, CreatedAt: day0.Add(time.Second),
	}))
	require.NoError(t, s.CreateSeat(ctx, reserve.Seat{ID: seat, Number: 1}))
}

func scope() reserve.Scope {
	return reserve.Scope{Employee: staff, Manager: manager, Seat: seat}
}

func window(t *testing.T, start, end string) reserve.Window {
	t.Helper()
	w, err := reserve.ParseWindow(start, end)
	require.NoError(t, err)
	return w
}

// book runs a full booking unit directly against the store.
func book(ctx context.Context, s store.Backend, id string, w reserve.Window, at time.Time) error {
	return s.WithTx(ctx, scope(), func(tx reserve.Tx) error {
		if _, err := tx.Debit(ctx, manager, reserve.BluDollars(5)); err != nil {
			return err
		}
		r, err := tx.Reserve(ctx, reserve.Reservation{
			ID: reserve.ReservationID(id), SeatID: seat, EmployeeID: staff,
			Window: w, Charged: reserve.BluDollars(5), CreatedAt: at,
		})
		if err != nil {
			return err
		}
		_, err = tx.RecordTransaction(ctx, reserve.Transaction{
			ManagerID: manager, EmployeeID: staff, Amount: reserve.BluDollars(-5),
			Kind: reserve.TxReservation, ReferenceID: r.ID, CreatedAt: at,
		})
		return err
	})
}

func cancel(ctx context.Context, s store.Backend, id string, at time.Time) error {
	return s.WithTx(ctx, scope(), func(tx reserve.Tx) error {
		if _, err := tx.Credit(ctx, manager, reserve.BluDollars(5)); err != nil {
			return err
		}
		if _, err := tx.RecordTransaction(ctx, reserve.Transaction{
			ManagerID: manager, EmployeeID: staff, Amount: reserve.BluDollars(5),
			Kind: reserve.TxCancellation, ReferenceID: reserve.ReservationID(id), CreatedAt: at,
		}); err != nil {
			return err
		}
		return tx.Release(ctx, reserve.ReservationID(id), at)
	})
}

// =============================================================================
// ACCOUNTS AND SEATS
// =============================================================================

func testAccounts(t *testing.T, s store.Backend) {
	ctx := context.Background()
	Seed(t, s, 40)

	mgr, err := s.Account(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, reserve.KindManager, mgr.Kind)
	assert.Equal(t, int64(40), mgr.Balance.Int64(), "manager starts at its initial balance")

	emp, err := s.AccountByEmail(ctx, "ELI@example.com")
	require.NoError(t, err)
	assert.Equal(t, staff, emp.ID)
	assert.Equal(t, manager, emp.ManagerID)

	err = s.CreateAccount(ctx, reserve.Account{
		ID: "emp-2", Kind: reserve.KindEmployee, Username: "other", Email: "Eli@Example.com", ManagerID: manager,
	})
	assert.ErrorIs(t, err, reserve.ErrDuplicateAccount)

	_, err = s.Account(ctx, "nobody")
	assert.ErrorIs(t, err, reserve.ErrNotFound)

	managers, err := s.ListAccounts(ctx, reserve.KindManager)
	require.NoError(t, err)
	require.Len(t, managers, 1)
	all, err := s.ListAccounts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := s.SearchAccounts(ctx, "MAR")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, manager, found[0].ID)

	name := "eli.renamed"
	updated, err := s.UpdateProfile(ctx, staff, reserve.ProfileUpdate{Username: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Username)
	assert.Equal(t, manager, updated.ManagerID, "sponsor is untouched")

	taken := "maria@example.com"
	_, err = s.UpdateProfile(ctx, staff, reserve.ProfileUpdate{Email: &taken})
	assert.ErrorIs(t, err, reserve.ErrDuplicateAccount)
}

func testSeats(t *testing.T, s store.Backend) {
	ctx := context.Background()
	for i := 3; i >= 1; i-- {
		require.NoError(t, s.CreateSeat(ctx, reserve.Seat{ID: reserve.SeatID(fmt.Sprintf("s%d", i)), Number: i}))
	}
	err := s.CreateSeat(ctx, reserve.Seat{ID: "dup", Number: 2})
	assert.ErrorIs(t, err, reserve.ErrDuplicateSeat)

	seats, err := s.ListSeats(ctx)
	require.NoError(t, err)
	require.Len(t, seats, 3)
	assert.Equal(t, 1, seats[0].Number)
	assert.Equal(t, 3, seats[2].Number)

	ok, err := s.SeatExists(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SeatExists(ctx, "s9")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Seat(ctx, "s9")
	assert.ErrorIs(t, err, reserve.ErrNotFound)
}

// =============================================================================
// LEDGER
// =============================================================================

func testDebitAndCredit(t *testing.T, s store.Backend) {
	ctx := context.Background()
	Seed(t, s, 7)

	err := s.WithTx(ctx, scope(), func(tx reserve.Tx) error {
		b, err := tx.Debit(ctx, manager, reserve.BluDollars(5))
		require.NoError(t, err)
		assert.Equal(t, int64(2), b.Int64())

		_, err = tx.Debit(ctx, manager, reserve.BluDollars(5))
		var insufficient *reserve.InsufficientFundsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(2), insufficient.Available.Int64())

		b, err = tx.Credit(ctx, manager, reserve.BluDollars(10))
		require.NoError(t, err)
		assert.Equal(t, int64(12), b.Int64())
		return nil
	})
	require.NoError(t, err)

	b, err := s.Balance(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, int64(12), b.Int64())

	_, err = s.Balance(ctx, staff)
	assert.ErrorIs(t, err, reserve.ErrNotFound, "employees have no balance")
}

func testRollback(t *testing.T, s store.Backend) {
	ctx := context.Background()
	Seed(t, s, 20)
	boom := errors.New("boom")

	err := s.WithTx(ctx, scope(), func(tx reserve.Tx) error {
		_, err := tx.Debit(ctx, manager, reserve.BluDollars(5))
		require.NoError(t, err)
		r, err := tx.Reserve(ctx, reserve.Reservation{
			ID: "r-rolled-back", SeatID: seat, EmployeeID: staff,
			Window: window(t, "2025-03-11 10:00", "2025-03-11 11:00"), Charged: reserve.BluDollars(5), CreatedAt: day0,
		})
		require.NoError(t, err)
		_, err = tx.RecordTransaction(ctx, reserve.Transaction{
			ManagerID: manager, EmployeeID: staff, Amount: reserve.BluDollars(-5),
			Kind: reserve.TxReservation, ReferenceID: r.ID, CreatedAt: day0,
		})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := s.Balance(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, int64(20), b.Int64())

	_, err = s.Reservation(ctx, "r-rolled-back")
	assert.ErrorIs(t, err, reserve.ErrNotFound)

	txs, err := s.Transactions(ctx, reserve.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

// =============================================================================
// AVAILABILITY INDEX
// =============================================================================

func testReserveOverlap(t *testing.T, s store.Backend) {
	ctx := context.Background()
	Seed(t, s, 100)

	require.NoError(t, book(ctx, s, "r1", window(t, "2025-03-11 10:00", "2025-03-11 12:00"), day0))

	// Adjacent half-open windows do not overlap.
	require.NoError(t, book(ctx, s, "r2", window(t, "2025-03-11 12:00", "2025-03-11 13:00"), day0))
	require.NoError(t, book(ctx, s, "r3", window(t, "2025-03-11 09:00", "2025-03-11 10:00"), day0))

	for _, w := range [][2]string{
		{"2025-03-11 11:59", "2025-03-11 12:30"},
		{"2025-03-11 08:00", "2025-03-11 14:00"},
		{"2025-03-11 10:30", "2025-03-11 10:45"},
	} {
		err := book(ctx, s, "loser", window(t, w[0], w[1]), day0)
		assert.ErrorIs(t, err, reserve.ErrConflict, "window %v", w)
	}

	b, err := s.Balance(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, int64(85), b.Int64(), "conflicts are never charged")

	err = s.WithTx(ctx, scope(), func(tx reserve.Tx) error {
		free, err := tx.IsFree(ctx, seat, window(t, "2025-03-11 13:00", "2025-03-11 14:00"))
		require.NoError(t, err)
		assert.True(t, free)
		free, err = tx.IsFree(ctx, seat, window(t, "2025-03-11 12:59", "2025-03-11 14:00"))
		require.NoError(t, err)
		assert.False(t, free)
		return nil
	})
	require.NoError(t, err)
}

func testRelease(t *testing.T, s store.Backend) {
	ctx := context.Background()
	Seed(t, s, 100)
	w := window(t, "2025-03-11 10:00", "2025-03-11 12:00")

	require.NoError(t, book(ctx, s, "r1", w, day0))
	require.NoError(t, cancel(ctx, s, "r1", day0.Add(time.Minute)))

	r, err := s.Reservation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reserve.StatusCanceled, r.Status)
	require.NotNil(t, r.CanceledAt)

	// Second release is rejected and the whole unit rolls back.
	err = cancel(ctx, s, "r1", day0.Add(2*time.Minute))
	assert.Error(t, err)
	b, err := s.Balance(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Int64())

	// The freed window can be booked again.
	require.NoError(t, book(ctx, s, "r2", w, day0))
}

// =============================================================================
// DAILY USAGE
// =============================================================================

func testUsedOn(t *testing.T, s store.Backend) {
	ctx := context.Background()
	Seed(t, s, 100)
	monday := reserve.DayOf(day0)
	tuesday := reserve.DayOf(day0.AddDate(0, 0, 1))

	require.NoError(t, book(ctx, s, "a", window(t, "2025-03-12 10:00", "2025-03-12 11:00"), day0))
	require.NoError(t, book(ctx, s, "b", window(t, "2025-03-12 11:00", "2025-03-12 12:00"), day0.Add(time.Minute)))
	require.NoError(t, book(ctx, s, "c", window(t, "2025-03-12 12:00", "2025-03-12 13:00"), day0.Add(2*time.Minute)))

	used, err := s.UsedOn(ctx, staff, monday)
	require.NoError(t, err)
	assert.Equal(t, int64(15), used.Int64())

	// Same-day cancellation gives the room back.
	require.NoError(t, cancel(ctx, s, "a", day0.Add(time.Hour)))
	used, err = s.UsedOn(ctx, staff, monday)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used.Int64())

	// Canceling Monday's booking on Tuesday does not touch either day.
	require.NoError(t, cancel(ctx, s, "b", day0.AddDate(0, 0, 1)))
	used, err = s.UsedOn(ctx, staff, monday)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used.Int64())
	used, err = s.UsedOn(ctx, staff, tuesday)
	require.NoError(t, err)
	assert.True(t, used.IsZero())

	// The in-unit view agrees with the read view.
	err = s.WithTx(ctx, scope(), func(tx reserve.Tx) error {
		inTx, err := tx.UsedOn(ctx, staff, monday)
		require.NoError(t, err)
		assert.Equal(t, int64(10), inTx.Int64())
		return nil
	})
	require.NoError(t, err)
}

func testScope(t *testing.T, s store.Backend) {
	ctx := context.Background()
	Seed(t, s, 100)
	require.NoError(t, s.CreateAccount(ctx, reserve.Account{
		ID: "mgr-2", Kind: reserve.KindManager, Username: "other", Email: "other@example.com",
		InitialBalance: reserve.BluDollars(10),
	}))

	err := s.WithTx(ctx, scope(), func(tx reserve.Tx) error {
		_, err := tx.Debit(ctx, "mgr-2", reserve.BluDollars(1))
		return err
	})
	assert.ErrorIs(t, err, reserve.ErrOutOfScope)

	err = s.WithTx(ctx, scope(), func(tx reserve.Tx) error {
		_, err := tx.IsFree(ctx, "seat-9", window(t, "2025-03-11 10:00", "2025-03-11 11:00"))
		return err
	})
	assert.ErrorIs(t, err, reserve.ErrOutOfScope)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func testConcurrentReserve(t *testing.T, s store.Backend) {
	ctx := context.Background()
	Seed(t, s, 1000)
	w := window(t, "2025-03-11 10:00", "2025-03-11 12:00")

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := book(ctx, s, fmt.Sprintf("race-%d", i), w, day0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, reserve.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	b, err := s.Balance(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, int64(995), b.Int64(), "only the winner is charged")
}

func testListing(t *testing.T, s store.Backend) {
	ctx := context.Background()
	Seed(t, s, 100)

	require.NoError(t, book(ctx, s, "late", window(t, "2025-03-11 14:00", "2025-03-11 15:00"), day0))
	require.NoError(t, book(ctx, s, "early", window(t, "2025-03-11 08:00", "2025-03-11 09:00"), day0))
	require.NoError(t, cancel(ctx, s, "early", day0.Add(time.Minute)))

	all, err := s.ListReservations(ctx, reserve.ReservationFilter{EmployeeID: staff})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, reserve.ReservationID("early"), all[0].ID, "ordered by start time")

	active, err := s.ListReservations(ctx, reserve.ReservationFilter{Status: reserve.StatusReserved})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, reserve.ReservationID("late"), active[0].ID)

	probe := window(t, "2025-03-11 14:30", "2025-03-11 16:00")
	overlapping, err := s.ListReservations(ctx, reserve.ReservationFilter{SeatID: seat, Overlaps: &probe})
	require.NoError(t, err)
	require.Len(t, overlapping, 1)

	txs, err := s.Transactions(ctx, reserve.TransactionFilter{ManagerID: manager})
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, reserve.TxReservation, txs[0].Kind)
	assert.Equal(t, reserve.TxCancellation, txs[2].Kind)

	refunds, err := s.Transactions(ctx, reserve.TransactionFilter{Kind: reserve.TxCancellation})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(5), refunds[0].Amount.Int64())
}
