/*
Package memory is an in-process Backend with per-key locking.

CONCURRENCY MODEL:
  Each atomic unit locks the keys named in its Scope (employee, manager,
  seat, in that order) for its whole duration. Writes are staged in the unit
  and applied to the shared maps under one short critical section on commit.
  A unit that returns an error simply drops its staged writes.

  Two units contend only when they share a key, so bookings on different
  seats by employees of different managers run in parallel.

  Reads outside a unit take the read lock on the shared maps and see only
  committed state.

FAULT INJECTION:
  Fault, when set, is consulted before every write inside a unit. Tests use
  it to simulate a storage failure in the middle of an atomic unit.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blureserve/seat-engine/reserve"
)

type Store struct {
	mu           sync.RWMutex
	accounts     map[reserve.AccountID]reserve.Account
	emails       map[string]reserve.AccountID
	seats        map[reserve.SeatID]reserve.Seat
	seatNumbers  map[int]reserve.SeatID
	reservations map[reserve.ReservationID]reserve.Reservation
	bySeat       map[reserve.SeatID][]reserve.ReservationID
	transactions []reserve.Transaction

	locks keyedLocks

	// Fault is called with the operation name before each write in a unit.
	// A non-nil return aborts the unit.
	Fault func(op string) error
}

func New() *Store {
	return &Store{
		accounts:     make(map[reserve.AccountID]reserve.Account),
		emails:       make(map[string]reserve.AccountID),
		seats:        make(map[reserve.SeatID]reserve.Seat),
		seatNumbers:  make(map[int]reserve.SeatID),
		reservations: make(map[reserve.ReservationID]reserve.Reservation),
		bySeat:       make(map[reserve.SeatID][]reserve.ReservationID),
		locks:        keyedLocks{held: make(map[string]*keyLock)},
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// =============================================================================
// KEYED LOCKS
// =============================================================================

type keyLock struct {
	sync.Mutex
	refs int
}

type keyedLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}

// acquire locks the scope in the global order and returns the release func.
func (k *keyedLocks) acquire(scope reserve.Scope) func() {
	var keys []string
	if scope.Employee != "" {
		keys = append(keys, "employee:"+string(scope.Employee))
	}
	if scope.Manager != "" {
		keys = append(keys, "manager:"+string(scope.Manager))
	}
	if scope.Seat != "" {
		keys = append(keys, "seat:"+string(scope.Seat))
	}

	unlocks := make([]func(), 0, len(keys))
	for _, key := range keys {
		unlocks = append(unlocks, k.lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// =============================================================================
// ATOMIC UNITS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, scope reserve.Scope, fn func(reserve.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return &reserve.StorageError{Op: "begin", Err: err}
	}
	release := s.locks.acquire(scope)
	defer release()

	t := &tx{
		s:            s,
		scope:        scope,
		balances:     make(map[reserve.AccountID]reserve.Amount),
		reservations: make(map[reserve.ReservationID]reserve.Reservation),
	}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &reserve.StorageError{Op: "commit", Err: err}
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, balance := range t.balances {
		acct := s.accounts[id]
		acct.Balance = balance
		s.accounts[id] = acct
	}
	for _, id := range t.order {
		r := t.reservations[id]
		if _, exists := s.reservations[id]; !exists {
			s.bySeat[r.SeatID] = append(s.bySeat[r.SeatID], id)
		}
		s.reservations[id] = r
	}
	s.transactions = append(s.transactions, t.txs...)
}

type tx struct {
	s     *Store
	scope reserve.Scope

	balances     map[reserve.AccountID]reserve.Amount
	reservations map[reserve.ReservationID]reserve.Reservation
	order        []reserve.ReservationID
	txs          []reserve.Transaction
}

func (t *tx) fault(op string) error {
	if t.s.Fault == nil {
		return nil
	}
	if err := t.s.Fault(op); err != nil {
		return &reserve.StorageError{Op: op, Err: err}
	}
	return nil
}

func (t *tx) outOfScope(kind, id string) error {
	return fmt.Errorf("%w: %s %s", reserve.ErrOutOfScope, kind, id)
}

func (t *tx) stageReservation(r reserve.Reservation) {
	if _, ok := t.reservations[r.ID]; !ok {
		t.order = append(t.order, r.ID)
	}
	t.reservations[r.ID] = r
}

func (t *tx) Account(ctx context.Context, id reserve.AccountID) (reserve.Account, error) {
	acct, err := t.s.Account(ctx, id)
	if err != nil {
		return reserve.Account{}, err
	}
	if b, ok := t.balances[id]; ok {
		acct.Balance = b
	}
	return acct, nil
}

func (t *tx) UsedOn(_ context.Context, employee reserve.AccountID, day reserve.Day) (reserve.Amount, error) {
	if employee != t.scope.Employee {
		return reserve.Amount{}, t.outOfScope("employee", string(employee))
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	txs := append(t.s.employeeTxsLocked(employee), t.txs...)
	bookedAt := t.s.bookedAtLocked()
	for id, r := range t.reservations {
		bookedAt[id] = r.CreatedAt
	}
	return reserve.NetSpend(employee, day, txs, bookedAt), nil
}

func (t *tx) manager(ctx context.Context, id reserve.AccountID) (reserve.Account, error) {
	if id != t.scope.Manager {
		return reserve.Account{}, t.outOfScope("manager", string(id))
	}
	acct, err := t.Account(ctx, id)
	if err != nil || !acct.IsManager() {
		return reserve.Account{}, &reserve.NotFoundError{Kind: "manager", ID: string(id)}
	}
	return acct, nil
}

func (t *tx) Debit(ctx context.Context, manager reserve.AccountID, amount reserve.Amount) (reserve.Amount, error) {
	acct, err := t.manager(ctx, manager)
	if err != nil {
		return reserve.Amount{}, err
	}
	if acct.Balance.LessThan(amount) {
		return acct.Balance, &reserve.InsufficientFundsError{ManagerID: manager, Available: acct.Balance, Requested: amount}
	}
	if err := t.fault("debit"); err != nil {
		return reserve.Amount{}, err
	}
	t.balances[manager] = acct.Balance.Sub(amount)
	return t.balances[manager], nil
}

func (t *tx) Credit(ctx context.Context, manager reserve.AccountID, amount reserve.Amount) (reserve.Amount, error) {
	acct, err := t.manager(ctx, manager)
	if err != nil {
		return reserve.Amount{}, err
	}
	if err := t.fault("credit"); err != nil {
		return reserve.Amount{}, err
	}
	t.balances[manager] = acct.Balance.Add(amount)
	return t.balances[manager], nil
}

func (t *tx) RecordTransaction(_ context.Context, entry reserve.Transaction) (reserve.TransactionID, error) {
	if entry.ManagerID != t.scope.Manager {
		return "", t.outOfScope("manager", string(entry.ManagerID))
	}
	if entry.EmployeeID != t.scope.Employee {
		return "", t.outOfScope("employee", string(entry.EmployeeID))
	}
	if err := t.fault("record_transaction"); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = reserve.TransactionID(uuid.NewString())
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.txs = append(t.txs, entry)
	return entry.ID, nil
}

// seatReservations merges committed and staged reservations for a seat.
func (t *tx) seatReservations(seat reserve.SeatID) []reserve.Reservation {
	t.s.mu.RLock()
	var out []reserve.Reservation
	for _, id := range t.s.bySeat[seat] {
		if _, staged := t.reservations[id]; !staged {
			out = append(out, t.s.reservations[id])
		}
	}
	t.s.mu.RUnlock()

	for _, id := range t.order {
		if r := t.reservations[id]; r.SeatID == seat {
			out = append(out, r)
		}
	}
	return out
}

func (t *tx) IsFree(_ context.Context, seat reserve.SeatID, w reserve.Window) (bool, error) {
	if seat != t.scope.Seat {
		return false, t.outOfScope("seat", string(seat))
	}
	for _, r := range t.seatReservations(seat) {
		if r.Status == reserve.StatusReserved && r.Window.Overlaps(w) {
			return false, nil
		}
	}
	return true, nil
}

func (t *tx) Reserve(ctx context.Context, r reserve.Reservation) (reserve.Reservation, error) {
	free, err := t.IsFree(ctx, r.SeatID, r.Window)
	if err != nil {
		return reserve.Reservation{}, err
	}
	if !free {
		return reserve.Reservation{}, &reserve.ConflictError{SeatID: r.SeatID, Window: r.Window}
	}
	if err := t.fault("reserve"); err != nil {
		return reserve.Reservation{}, err
	}
	if r.ID == "" {
		r.ID = reserve.ReservationID(uuid.NewString())
	}
	if _, err := t.Reservation(ctx, r.ID); err == nil {
		return reserve.Reservation{}, fmt.Errorf("reservation %s already exists", r.ID)
	}
	r.Status = reserve.StatusReserved
	t.stageReservation(r)
	return r, nil
}

func (t *tx) Reservation(ctx context.Context, id reserve.ReservationID) (reserve.Reservation, error) {
	if r, ok := t.reservations[id]; ok {
		return r, nil
	}
	return t.s.Reservation(ctx, id)
}

func (t *tx) Release(ctx context.Context, id reserve.ReservationID, at time.Time) error {
	r, err := t.Reservation(ctx, id)
	if err != nil {
		return err
	}
	if r.SeatID != t.scope.Seat {
		return t.outOfScope("seat", string(r.SeatID))
	}
	if r.Status != reserve.StatusReserved {
		return &reserve.NotFoundError{Kind: "reservation", ID: string(id)}
	}
	if err := t.fault("release"); err != nil {
		return err
	}
	at = at.UTC()
	r.Status = reserve.StatusCanceled
	r.CanceledAt = &at
	t.stageReservation(r)
	return nil
}

// =============================================================================
// COMMITTED READS
// =============================================================================

func (s *Store) employeeTxsLocked(employee reserve.AccountID) []reserve.Transaction {
	var out []reserve.Transaction
	for _, tx := range s.transactions {
		if tx.EmployeeID == employee {
			out = append(out, tx)
		}
	}
	return out
}

func (s *Store) bookedAtLocked() map[reserve.ReservationID]time.Time {
	out := make(map[reserve.ReservationID]time.Time, len(s.reservations))
	for id, r := range s.reservations {
		out[id] = r.CreatedAt
	}
	return out
}

func (s *Store) Account(_ context.Context, id reserve.AccountID) (reserve.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return reserve.Account{}, &reserve.NotFoundError{Kind: "account", ID: string(id)}
	}
	return acct, nil
}

func (s *Store) Reservation(_ context.Context, id reserve.ReservationID) (reserve.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return reserve.Reservation{}, &reserve.NotFoundError{Kind: "reservation", ID: string(id)}
	}
	return r, nil
}

func (s *Store) ListReservations(_ context.Context, f reserve.ReservationFilter) ([]reserve.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []reserve.Reservation
	for _, r := range s.reservations {
		if f.EmployeeID != "" && r.EmployeeID != f.EmployeeID {
			continue
		}
		if f.SeatID != "" && r.SeatID != f.SeatID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Overlaps != nil && !r.Window.Overlaps(*f.Overlaps) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Window.Start.Equal(out[j].Window.Start) {
			return out[i].Window.Start.Before(out[j].Window.Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) Balance(ctx context.Context, manager reserve.AccountID) (reserve.Amount, error) {
	acct, err := s.Account(ctx, manager)
	if err != nil || !acct.IsManager() {
		return reserve.Amount{}, &reserve.NotFoundError{Kind: "manager", ID: string(manager)}
	}
	return acct.Balance, nil
}

func (s *Store) Transactions(_ context.Context, f reserve.TransactionFilter) ([]reserve.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []reserve.Transaction
	for _, tx := range s.transactions {
		if f.Match(tx) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *Store) UsedOn(_ context.Context, employee reserve.AccountID, day reserve.Day) (reserve.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reserve.NetSpend(employee, day, s.employeeTxsLocked(employee), s.bookedAtLocked()), nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(_ context.Context, a reserve.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(a.Email)
	if _, taken := s.emails[email]; taken {
		return fmt.Errorf("%w: email %s", reserve.ErrDuplicateAccount, a.Email)
	}
	if _, taken := s.accounts[a.ID]; taken {
		return fmt.Errorf("%w: id %s", reserve.ErrDuplicateAccount, a.ID)
	}
	if a.IsManager() {
		a.Balance = a.InitialBalance
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.accounts[a.ID] = a
	s.emails[email] = a.ID
	return nil
}

func (s *Store) AccountByEmail(_ context.Context, email string) (reserve.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return reserve.Account{}, &reserve.NotFoundError{Kind: "account", ID: email}
	}
	return s.accounts[id], nil
}

func (s *Store) ListAccounts(_ context.Context, kind reserve.AccountKind) ([]reserve.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []reserve.Account
	for _, a := range s.accounts {
		if kind == "" || a.Kind == kind {
			out = append(out, a)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (s *Store) SearchAccounts(_ context.Context, query string) ([]reserve.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	var out []reserve.Account
	for _, a := range s.accounts {
		if strings.Contains(strings.ToLower(a.Username), q) || strings.Contains(strings.ToLower(a.Email), q) {
			out = append(out, a)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (s *Store) UpdateProfile(_ context.Context, id reserve.AccountID, u reserve.ProfileUpdate) (reserve.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return reserve.Account{}, &reserve.NotFoundError{Kind: "account", ID: string(id)}
	}
	if u.Email != nil && !strings.EqualFold(*u.Email, a.Email) {
		email := strings.ToLower(*u.Email)
		if _, taken := s.emails[email]; taken {
			return reserve.Account{}, fmt.Errorf("%w: email %s", reserve.ErrDuplicateAccount, *u.Email)
		}
		delete(s.emails, strings.ToLower(a.Email))
		s.emails[email] = id
		a.Email = *u.Email
	}
	if u.Username != nil {
		a.Username = *u.Username
	}
	if u.PasswordHash != nil {
		a.PasswordHash = *u.PasswordHash
	}
	s.accounts[id] = a
	return a, nil
}

func sortAccounts(as []reserve.Account) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}

// =============================================================================
// SEATS
// =============================================================================

func (s *Store) CreateSeat(_ context.Context, seat reserve.Seat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.seats[seat.ID]; taken {
		return fmt.Errorf("%w: id %s", reserve.ErrDuplicateSeat, seat.ID)
	}
	if _, taken := s.seatNumbers[seat.Number]; taken {
		return fmt.Errorf("%w: number %d", reserve.ErrDuplicateSeat, seat.Number)
	}
	s.seats[seat.ID] = seat
	s.seatNumbers[seat.Number] = seat.ID
	return nil
}

func (s *Store) Seat(_ context.Context, id reserve.SeatID) (reserve.Seat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seat, ok := s.seats[id]
	if !ok {
		return reserve.Seat{}, &reserve.NotFoundError{Kind: "seat", ID: string(id)}
	}
	return seat, nil
}

func (s *Store) ListSeats(_ context.Context) ([]reserve.Seat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]reserve.Seat, 0, len(s.seats))
	for _, seat := range s.seats {
		out = append(out, seat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) SeatExists(_ context.Context, id reserve.SeatID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seats[id]
	return ok, nil
}
