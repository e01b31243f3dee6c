package reserve_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blureserve/seat-engine/reserve"
	"github.com/blureserve/seat-engine/store"
	"github.com/blureserve/seat-engine/store/memory"
	"github.com/blureserve/seat-engine/store/sqlite"
)

// =============================================================================
// FIXTURES
// =============================================================================

var day0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	store   store.Backend
	engine  *reserve.Engine
	now     time.Time
	mu      sync.Mutex
	backend string
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func backends() map[string]func(t *testing.T) store.Backend {
	return map[string]func(t *testing.T) store.Backend{
		"memory": func(t *testing.T) store.Backend { return memory.New() },
		"sqlite": func(t *testing.T) store.Backend {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// eachBackend runs fn once per backend with a fresh fixture.
func eachBackend(t *testing.T, balance int64, policy reserve.Policy, fn func(t *testing.T, f *fixture), opts ...reserve.Option) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t), balance, policy, opts...)
			f.backend = name
			fn(t, f)
		})
	}
}

func newFixture(t *testing.T, s store.Backend, balance int64, policy reserve.Policy, opts ...reserve.Option) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), store: s, now: day0}

	require.NoError(t, s.CreateAccount(f.ctx, reserve.Account{
		ID: "mgr-1", Kind: reserve.KindManager, Username: "maria", Email: "maria@example.com",
		InitialBalance: reserve.BluDollars(balance), CreatedAt: day0,
	}))
	f.addEmployee(t, "emp-1", "mgr-1")
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.CreateSeat(f.ctx, reserve.Seat{ID: reserve.SeatID(fmt.Sprintf("seat-%d", i)), Number: i}))
	}

	opts = append([]reserve.Option{reserve.WithClock(f.clock)}, opts...)
	engine, err := reserve.NewEngine(s, s, policy, opts...)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) addEmployee(t *testing.T, id reserve.AccountID, manager reserve.AccountID) {
	t.Helper()
	require.NoError(t, f.store.CreateAccount(f.ctx, reserve.Account{
		ID: id, Kind: reserve.KindEmployee, Username: string(id), Email: string(id) + "@example.com",
		ManagerID: manager, CreatedAt: day0,
	}))
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.store.Balance(f.ctx, "mgr-1")
	require.NoError(t, err)
	return b.Int64()
}

func (f *fixture) usedToday(t *testing.T, employee reserve.AccountID) int64 {
	t.Helper()
	used, err := f.store.UsedOn(f.ctx, employee, reserve.DayOf(f.clock()))
	require.NoError(t, err)
	return used.Int64()
}

// =============================================================================
// BOOK
// =============================================================================

func TestBook_ChargesManagerAndRecordsTransaction(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		// GIVEN: manager with 50 BluDollars
		// WHEN: employee books seat-1 tomorrow morning
		r, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")

		// THEN: reservation is RESERVED, manager paid 5, ledger has one entry
		require.NoError(t, err)
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, reserve.StatusReserved, r.Status)
		assert.Equal(t, int64(5), r.Charged.Int64())
		assert.Equal(t, int64(45), f.balance(t))
		assert.Equal(t, int64(5), f.usedToday(t, "emp-1"))

		txs, err := f.store.Transactions(f.ctx, reserve.TransactionFilter{EmployeeID: "emp-1"})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, reserve.TxReservation, txs[0].Kind)
		assert.Equal(t, int64(-5), txs[0].Amount.Int64())
		assert.Equal(t, reserve.AccountID("mgr-1"), txs[0].ManagerID)
		assert.Equal(t, r.ID, txs[0].ReferenceID)

		stored, err := f.store.Reservation(f.ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, stored.Window.Start.Equal(r.Window.Start))
	})
}

func TestBook_InvalidWindowHasNoSideEffects(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		cases := []struct{ start, end string }{
			{"2025-03-11T10:00", "2025-03-11 12:00"},
			{"2025-03-11 10:00", "2025-03-11 12:00:00"},
			{"2025/03/11 10:00", "2025-03-11 12:00"},
			{"2025-03-11 12:00", "2025-03-11 10:00"},
			{"2025-03-11 10:00", "2025-03-11 10:00"},
			{"", ""},
		}
		for _, tc := range cases {
			_, err := f.engine.Book(f.ctx, "emp-1", "seat-1", tc.start, tc.end)
			assert.ErrorIs(t, err, reserve.ErrInvalidWindow, "%q - %q", tc.start, tc.end)
		}
		assert.Equal(t, int64(50), f.balance(t))
	})
}

func TestBook_UnknownPartiesAreNotFound(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		_, err := f.engine.Book(f.ctx, "emp-1", "seat-404", "2025-03-11 10:00", "2025-03-11 12:00")
		assert.ErrorIs(t, err, reserve.ErrNotFound)

		_, err = f.engine.Book(f.ctx, "ghost", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
		assert.ErrorIs(t, err, reserve.ErrNotFound)

		// A manager is not an employee.
		_, err = f.engine.Book(f.ctx, "mgr-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
		assert.ErrorIs(t, err, reserve.ErrNotFound)

		assert.Equal(t, int64(50), f.balance(t))
	})
}

func TestBook_DailyCap(t *testing.T) {
	eachBackend(t, 100, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		// GIVEN: cap 20, cost 5
		// WHEN: the same employee books five times today
		for i := 1; i <= 4; i++ {
			_, err := f.engine.Book(f.ctx, "emp-1", reserve.SeatID(fmt.Sprintf("seat-%d", i)), "2025-03-11 10:00", "2025-03-11 12:00")
			require.NoError(t, err, "booking %d", i)
		}
		_, err := f.engine.Book(f.ctx, "emp-1", "seat-5", "2025-03-11 10:00", "2025-03-11 12:00")

		// THEN: the fifth is rejected and nothing was charged for it
		require.ErrorIs(t, err, reserve.ErrCapExceeded)
		var capErr *reserve.CapExceededError
		require.ErrorAs(t, err, &capErr)
		assert.Equal(t, reserve.AccountID("emp-1"), capErr.EmployeeID)
		assert.Equal(t, int64(20), capErr.UsedToday.Int64())
		assert.Equal(t, reserve.DayOf(day0), capErr.Day)
		assert.Equal(t, int64(80), f.balance(t))

		// AND: the cap resets on the next calendar day
		f.advance(24 * time.Hour)
		_, err = f.engine.Book(f.ctx, "emp-1", "seat-5", "2025-03-12 10:00", "2025-03-12 12:00")
		assert.NoError(t, err)
	})
}

func TestBook_CancelSameDayFreesCapRoom(t *testing.T) {
	eachBackend(t, 100, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		var first reserve.Reservation
		for i := 1; i <= 4; i++ {
			r, err := f.engine.Book(f.ctx, "emp-1", reserve.SeatID(fmt.Sprintf("seat-%d", i)), "2025-03-11 10:00", "2025-03-11 12:00")
			require.NoError(t, err)
			if i == 1 {
				first = r
			}
		}
		require.NoError(t, f.engine.Cancel(f.ctx, first.ID, "emp-1"))
		assert.Equal(t, int64(15), f.usedToday(t, "emp-1"))

		_, err := f.engine.Book(f.ctx, "emp-1", "seat-5", "2025-03-11 10:00", "2025-03-11 12:00")
		assert.NoError(t, err, "net spend is 15, so one more fits")
	})
}

func TestBook_InsufficientFunds(t *testing.T) {
	eachBackend(t, 3, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		_, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")

		require.ErrorIs(t, err, reserve.ErrInsufficientFunds)
		var fundsErr *reserve.InsufficientFundsError
		require.ErrorAs(t, err, &fundsErr)
		assert.Equal(t, int64(3), fundsErr.Available.Int64())
		assert.Equal(t, int64(3), f.balance(t))

		rs, err := f.store.ListReservations(f.ctx, reserve.ReservationFilter{})
		require.NoError(t, err)
		assert.Empty(t, rs)
	})
}

func TestBook_ConflictRollsBackDebit(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		f.addEmployee(t, "emp-2", "mgr-1")
		_, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
		require.NoError(t, err)
		before := f.balance(t)

		// The conflict is discovered after the debit, inside the same unit.
		_, err = f.engine.Book(f.ctx, "emp-2", "seat-1", "2025-03-11 11:00", "2025-03-11 13:00")

		require.ErrorIs(t, err, reserve.ErrConflict)
		assert.Equal(t, before, f.balance(t))
		assert.Zero(t, f.usedToday(t, "emp-2"))
		txs, err := f.store.Transactions(f.ctx, reserve.TransactionFilter{EmployeeID: "emp-2"})
		require.NoError(t, err)
		assert.Empty(t, txs)
	})
}

func TestBook_StorageFailureRollsBack(t *testing.T) {
	s := memory.New()
	f := newFixture(t, s, 50, reserve.DefaultPolicy())
	s.Fault = func(op string) error {
		if op == "record_transaction" {
			return errors.New("connection reset")
		}
		return nil
	}

	_, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")

	require.ErrorIs(t, err, reserve.ErrStorageFailure)
	assert.True(t, reserve.IsRetryable(err))
	assert.Equal(t, int64(50), f.balance(t))
	rs, err := s.ListReservations(f.ctx, reserve.ReservationFilter{})
	require.NoError(t, err)
	assert.Empty(t, rs)

	// Retrying the whole operation after the fault clears succeeds.
	s.Fault = nil
	_, err = f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
	assert.NoError(t, err)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_RoundTripRestoresBalanceAndUsage(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		balanceBefore := f.balance(t)
		usedBefore := f.usedToday(t, "emp-1")

		r, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
		require.NoError(t, err)
		require.NoError(t, f.engine.Cancel(f.ctx, r.ID, "emp-1"))

		assert.Equal(t, balanceBefore, f.balance(t))
		assert.Equal(t, usedBefore, f.usedToday(t, "emp-1"))

		stored, err := f.store.Reservation(f.ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, reserve.StatusCanceled, stored.Status)

		refunds, err := f.store.Transactions(f.ctx, reserve.TransactionFilter{Kind: reserve.TxCancellation})
		require.NoError(t, err)
		require.Len(t, refunds, 1)
		assert.Equal(t, int64(5), refunds[0].Amount.Int64())
		assert.Equal(t, r.ID, refunds[0].ReferenceID)
	})
}

func TestCancel_SucceedsAtMostOnce(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		r, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
		require.NoError(t, err)

		require.NoError(t, f.engine.Cancel(f.ctx, r.ID, "emp-1"))
		err = f.engine.Cancel(f.ctx, r.ID, "emp-1")

		assert.ErrorIs(t, err, reserve.ErrNotFound)
		assert.Equal(t, int64(50), f.balance(t), "refunded exactly once")
	})
}

func TestCancel_ConcurrentAttemptsHaveOneWinner(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		r, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
		require.NoError(t, err)

		const n = 8
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = f.engine.Cancel(f.ctx, r.ID, "emp-1")
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, reserve.ErrNotFound)
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, int64(50), f.balance(t))
	})
}

func TestCancel_ForeignOrUnknownIsNotFound(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		f.addEmployee(t, "emp-2", "mgr-1")
		r, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
		require.NoError(t, err)

		assert.ErrorIs(t, f.engine.Cancel(f.ctx, r.ID, "emp-2"), reserve.ErrNotFound)
		assert.ErrorIs(t, f.engine.Cancel(f.ctx, "no-such-reservation", "emp-1"), reserve.ErrNotFound)

		stored, err := f.store.Reservation(f.ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, reserve.StatusReserved, stored.Status)
	})
}

func TestCancel_LeadTime(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		// now is 09:00
		soon, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-10 09:30", "2025-03-10 10:30")
		require.NoError(t, err)
		later, err := f.engine.Book(f.ctx, "emp-1", "seat-2", "2025-03-10 10:30", "2025-03-10 11:30")
		require.NoError(t, err)

		err = f.engine.Cancel(f.ctx, soon.ID, "emp-1")
		require.ErrorIs(t, err, reserve.ErrTooLate)
		var lateErr *reserve.TooLateError
		require.ErrorAs(t, err, &lateErr)
		assert.Equal(t, soon.ID, lateErr.ReservationID)

		assert.NoError(t, f.engine.Cancel(f.ctx, later.ID, "emp-1"))
		assert.Equal(t, int64(45), f.balance(t))
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestBook_ConcurrentSameSeatHasExactlyOneWinner(t *testing.T) {
	for _, n := range []int{2, 8, 32} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			eachBackend(t, 10_000, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
				for i := 0; i < n; i++ {
					f.addEmployee(t, reserve.AccountID(fmt.Sprintf("racer-%d", i)), "mgr-1")
				}

				var (
					wg        sync.WaitGroup
					start     = make(chan struct{})
					mu        sync.Mutex
					wins      int
					conflicts int
				)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						<-start
						_, err := f.engine.Book(f.ctx, reserve.AccountID(fmt.Sprintf("racer-%d", i)), "seat-1",
							"2025-03-11 10:00", "2025-03-11 12:00")
						mu.Lock()
						defer mu.Unlock()
						if err == nil {
							wins++
						} else if assert.ErrorIs(t, err, reserve.ErrConflict) {
							conflicts++
						}
					}(i)
				}
				close(start)
				wg.Wait()

				assert.Equal(t, 1, wins)
				assert.Equal(t, n-1, conflicts)
				assert.Equal(t, int64(10_000-5), f.balance(t))
			})
		})
	}
}

// =============================================================================
// PROPERTY: RESERVED intervals on a seat never overlap
// =============================================================================

func TestProperty_ReservedIntervalsNeverOverlap(t *testing.T) {
	policy := reserve.Policy{
		CostPerBooking: reserve.BluDollars(1),
		DailyCap:       reserve.BluDollars(1_000_000),
		MinCancelLead:  time.Hour,
	}
	for _, seed := range []int64{1, 7, 42, 1234} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			eachBackend(t, 1_000_000, policy, func(t *testing.T, f *fixture) {
				rng := rand.New(rand.NewSource(seed))
				base := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
				seats := []reserve.SeatID{"seat-1", "seat-2"}

				type booked struct {
					seat   reserve.SeatID
					window reserve.Window
				}
				model := map[reserve.ReservationID]booked{}

				for i := 0; i < 150; i++ {
					if len(model) > 0 && rng.Intn(5) == 0 {
						for id := range model {
							require.NoError(t, f.engine.Cancel(f.ctx, id, "emp-1"))
							delete(model, id)
							break
						}
						continue
					}

					seat := seats[rng.Intn(len(seats))]
					start := base.Add(time.Duration(rng.Intn(48*4)) * 15 * time.Minute)
					end := start.Add(time.Duration(1+rng.Intn(16)) * 15 * time.Minute)
					w := reserve.Window{Start: start, End: end}

					free := true
					for _, b := range model {
						if b.seat == seat && b.window.Overlaps(w) {
							free = false
							break
						}
					}

					r, err := f.engine.Book(f.ctx, "emp-1", seat,
						start.Format(reserve.WindowLayout), end.Format(reserve.WindowLayout))
					if free {
						require.NoError(t, err, "booking %s on %s", w, seat)
						model[r.ID] = booked{seat: seat, window: w}
					} else {
						require.ErrorIs(t, err, reserve.ErrConflict, "booking %s on %s", w, seat)
					}
				}

				active, err := f.store.ListReservations(f.ctx, reserve.ReservationFilter{Status: reserve.StatusReserved})
				require.NoError(t, err)
				assert.Len(t, active, len(model))
				assert.Empty(t, reserve.FindOverlaps(active))

				report, err := reserve.Reconcile(f.ctx, f.store, f.clock())
				require.NoError(t, err)
				assert.True(t, report.OK(), "%+v", report.Discrepancies)
			})
		})
	}
}

// =============================================================================
// SIDE EFFECTS
// =============================================================================

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) ReservationBooked(ctx context.Context, r reserve.Reservation, tx reserve.Transaction) error {
	return m.Called(r.SeatID, tx.Kind).Error(0)
}

func (m *mockNotifier) ReservationCanceled(ctx context.Context, r reserve.Reservation, tx reserve.Transaction) error {
	return m.Called(r.SeatID, tx.Kind).Error(0)
}

type recorder struct {
	mu      sync.Mutex
	booked  []string
	cancels []string
}

func (r *recorder) ObserveBook(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.booked = append(r.booked, outcome)
}

func (r *recorder) ObserveCancel(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, outcome)
}

func TestEngine_NotifiesAfterCommitOnly(t *testing.T) {
	notifier := &mockNotifier{}
	notifier.On("ReservationBooked", reserve.SeatID("seat-1"), reserve.TxReservation).Return(errors.New("broker down")).Once()
	notifier.On("ReservationCanceled", reserve.SeatID("seat-1"), reserve.TxCancellation).Return(nil).Once()
	rec := &recorder{}

	f := newFixture(t, memory.New(), 50, reserve.DefaultPolicy(),
		reserve.WithNotifier(notifier), reserve.WithRecorder(rec))

	r, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
	require.NoError(t, err, "a failing notifier never fails the booking")

	_, err = f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 11:00", "2025-03-11 12:00")
	require.ErrorIs(t, err, reserve.ErrConflict)

	require.NoError(t, f.engine.Cancel(f.ctx, r.ID, "emp-1"))
	require.ErrorIs(t, f.engine.Cancel(f.ctx, r.ID, "emp-1"), reserve.ErrNotFound)

	notifier.AssertExpectations(t)
	assert.Equal(t, []string{"ok", "conflict"}, rec.booked)
	assert.Equal(t, []string{"ok", "not_found"}, rec.cancels)
}

func TestEngine_IsFree(t *testing.T) {
	eachBackend(t, 50, reserve.DefaultPolicy(), func(t *testing.T, f *fixture) {
		_, err := f.engine.Book(f.ctx, "emp-1", "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
		require.NoError(t, err)

		free, err := f.engine.IsFree(f.ctx, "seat-1", "2025-03-11 12:00", "2025-03-11 13:00")
		require.NoError(t, err)
		assert.True(t, free)

		free, err = f.engine.IsFree(f.ctx, "seat-1", "2025-03-11 11:00", "2025-03-11 13:00")
		require.NoError(t, err)
		assert.False(t, free)

		_, err = f.engine.IsFree(f.ctx, "seat-404", "2025-03-11 11:00", "2025-03-11 13:00")
		assert.ErrorIs(t, err, reserve.ErrNotFound)
	})
}

func TestNewEngine_RejectsInvalidPolicy(t *testing.T) {
	s := memory.New()
	_, err := reserve.NewEngine(s, s, reserve.Policy{})
	assert.ErrorIs(t, err, reserve.ErrInvalidPolicy)
}
