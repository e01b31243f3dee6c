/*
Package postgres provides a PostgreSQL-backed implementation of the storage interfaces.

PURPOSE:
  Backend for deployments where bookings on different seats must run in
  parallel. Same contracts as store/sqlite; the difference is the lock model.

LOCK MODEL (per atomic unit, READ COMMITTED):
  1. SELECT ... FOR UPDATE on the employee row   (daily usage is consistent)
  2. SELECT ... FOR UPDATE on the manager row    (balance check-then-debit)
  3. pg_advisory_xact_lock(hashtext(seat_id))    (per-seat critical section)
  Locks are taken in this order by every unit, so units cannot deadlock, and
  released at COMMIT/ROLLBACK.

  The advisory lock serializes units on one seat; the exclusion constraint
  below is the backstop that makes a double booking impossible even for a
  writer that skips the lock:

    EXCLUDE USING gist (seat_id WITH =, tstzrange(start_time, end_time, '[)') WITH &&)
      WHERE (status = 'RESERVED')

  SQLSTATE 23P01 (exclusion_violation) is reported as reserve.ErrConflict.

SEE ALSO:
  - reserve/store.go: Interface definitions
  - store/sqlite: Single-writer equivalent
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/blureserve/seat-engine/reserve"
)

type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db *sql.DB
}

// New connects, pings and migrates.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Truncate empties every table. TRUNCATE does not fire the row-level
// append-only trigger; it exists for test fixtures only.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE transactions, reservations, seats, accounts")
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE EXTENSION IF NOT EXISTS btree_gist;

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('EMPLOYEE', 'MANAGER')),
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		manager_id TEXT REFERENCES accounts(id),
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		initial_balance BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		CHECK ((kind = 'EMPLOYEE' AND manager_id IS NOT NULL) OR (kind = 'MANAGER' AND manager_id IS NULL))
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_email ON accounts (lower(email));
	CREATE INDEX IF NOT EXISTS idx_accounts_kind ON accounts (kind, created_at);

	CREATE TABLE IF NOT EXISTS seats (
		id TEXT PRIMARY KEY,
		seat_number INTEGER NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		seat_id TEXT NOT NULL REFERENCES seats(id),
		employee_id TEXT NOT NULL REFERENCES accounts(id),
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('RESERVED', 'CANCELED')),
		charged BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		canceled_at TIMESTAMPTZ,
		CHECK (start_time < end_time),
		CONSTRAINT reservations_no_overlap EXCLUDE USING gist (
			seat_id WITH =,
			tstzrange(start_time, end_time, '[)') WITH &&
		) WHERE (status = 'RESERVED')
	);
	CREATE INDEX IF NOT EXISTS idx_reservations_employee ON reservations (employee_id, start_time);

	CREATE TABLE IF NOT EXISTS transactions (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		manager_id TEXT NOT NULL REFERENCES accounts(id),
		employee_id TEXT NOT NULL REFERENCES accounts(id),
		amount BIGINT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('RESERVATION', 'CANCELLATION')),
		reference_id TEXT NOT NULL REFERENCES reservations(id),
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (reference_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_employee_created ON transactions (employee_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_manager_created ON transactions (manager_id, created_at);

	CREATE OR REPLACE FUNCTION forbid_ledger_mutation() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'transactions are append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_transactions_append_only ON transactions;
	CREATE TRIGGER trg_transactions_append_only
		BEFORE UPDATE OR DELETE ON transactions
		FOR EACH ROW EXECUTE FUNCTION forbid_ledger_mutation();
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// ATOMIC UNITS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, scope reserve.Scope, fn func(reserve.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return reserve.Storage("begin", err)
	}
	defer sqlTx.Rollback()

	if err := lockScope(ctx, sqlTx, scope); err != nil {
		return err
	}
	if err := fn(&txStore{q: sqlTx, scope: scope}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return reserve.Storage("commit", err)
	}
	return nil
}

func lockScope(ctx context.Context, q querier, scope reserve.Scope) error {
	for _, id := range []reserve.AccountID{scope.Employee, scope.Manager} {
		if id == "" {
			continue
		}
		var locked string
		err := q.QueryRowContext(ctx, "SELECT id FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&locked)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return reserve.Storage("lock account", err)
		}
	}
	if scope.Seat != "" {
		if _, err := q.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", scope.Seat); err != nil {
			return reserve.Storage("lock seat", err)
		}
	}
	return nil
}

type txStore struct {
	q     querier
	scope reserve.Scope
}

func outOfScope(kind, id string) error {
	return fmt.Errorf("%w: %s %s", reserve.ErrOutOfScope, kind, id)
}

func (t *txStore) Account(ctx context.Context, id reserve.AccountID) (reserve.Account, error) {
	return getAccount(ctx, t.q, id)
}

func (t *txStore) UsedOn(ctx context.Context, employee reserve.AccountID, day reserve.Day) (reserve.Amount, error) {
	if employee != t.scope.Employee {
		return reserve.Amount{}, outOfScope("employee", string(employee))
	}
	return usedOn(ctx, t.q, employee, day)
}

func (t *txStore) Debit(ctx context.Context, manager reserve.AccountID, amount reserve.Amount) (reserve.Amount, error) {
	if manager != t.scope.Manager {
		return reserve.Amount{}, outOfScope("manager", string(manager))
	}
	var b int64
	err := t.q.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance - $1
		WHERE id = $2 AND kind = 'MANAGER' AND balance >= $1
		RETURNING balance
	`, amount.Int64(), manager).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		acct, lookupErr := getAccount(ctx, t.q, manager)
		if lookupErr != nil || !acct.IsManager() {
			return reserve.Amount{}, &reserve.NotFoundError{Kind: "manager", ID: string(manager)}
		}
		return acct.Balance, &reserve.InsufficientFundsError{ManagerID: manager, Available: acct.Balance, Requested: amount}
	}
	if err != nil {
		return reserve.Amount{}, reserve.Storage("debit", err)
	}
	return reserve.BluDollars(b), nil
}

func (t *txStore) Credit(ctx context.Context, manager reserve.AccountID, amount reserve.Amount) (reserve.Amount, error) {
	if manager != t.scope.Manager {
		return reserve.Amount{}, outOfScope("manager", string(manager))
	}
	var b int64
	err := t.q.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + $1
		WHERE id = $2 AND kind = 'MANAGER'
		RETURNING balance
	`, amount.Int64(), manager).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Amount{}, &reserve.NotFoundError{Kind: "manager", ID: string(manager)}
	}
	if err != nil {
		return reserve.Amount{}, reserve.Storage("credit", err)
	}
	return reserve.BluDollars(b), nil
}

func (t *txStore) RecordTransaction(ctx context.Context, entry reserve.Transaction) (reserve.TransactionID, error) {
	if entry.ManagerID != t.scope.Manager {
		return "", outOfScope("manager", string(entry.ManagerID))
	}
	if entry.EmployeeID != t.scope.Employee {
		return "", outOfScope("employee", string(entry.EmployeeID))
	}
	if entry.ID == "" {
		entry.ID = reserve.TransactionID(uuid.NewString())
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, manager_id, employee_id, amount, kind, reference_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		entry.ID, entry.ManagerID, entry.EmployeeID, entry.Amount.Int64(),
		entry.Kind, entry.ReferenceID, nullString(entry.Reason), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return "", reserve.Storage("record transaction", err)
	}
	return entry.ID, nil
}

func (t *txStore) IsFree(ctx context.Context, seat reserve.SeatID, w reserve.Window) (bool, error) {
	if seat != t.scope.Seat {
		return false, outOfScope("seat", string(seat))
	}
	var taken bool
	err := t.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reservations
			WHERE seat_id = $1 AND status = 'RESERVED' AND start_time < $2 AND end_time > $3
		)
	`, seat, w.End, w.Start).Scan(&taken)
	if err != nil {
		return false, reserve.Storage("is free", err)
	}
	return !taken, nil
}

func (t *txStore) Reserve(ctx context.Context, r reserve.Reservation) (reserve.Reservation, error) {
	if r.SeatID != t.scope.Seat {
		return reserve.Reservation{}, outOfScope("seat", string(r.SeatID))
	}
	if r.ID == "" {
		r.ID = reserve.ReservationID(uuid.NewString())
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.Status = reserve.StatusReserved
	r.CreatedAt = r.CreatedAt.UTC()

	_, err := t.q.ExecContext(ctx, `
		INSERT INTO reservations
		(id, seat_id, employee_id, start_time, end_time, status, charged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		r.ID, r.SeatID, r.EmployeeID, r.Window.Start.UTC(), r.Window.End.UTC(),
		r.Status, r.Charged.Int64(), r.CreatedAt,
	)
	if err != nil {
		if hasCode(err, "23P01") {
			return reserve.Reservation{}, &reserve.ConflictError{SeatID: r.SeatID, Window: r.Window}
		}
		return reserve.Reservation{}, reserve.Storage("reserve", err)
	}
	return r, nil
}

func (t *txStore) Reservation(ctx context.Context, id reserve.ReservationID) (reserve.Reservation, error) {
	return getReservation(ctx, t.q, id)
}

func (t *txStore) Release(ctx context.Context, id reserve.ReservationID, at time.Time) error {
	r, err := getReservation(ctx, t.q, id)
	if err != nil {
		return err
	}
	if r.SeatID != t.scope.Seat {
		return outOfScope("seat", string(r.SeatID))
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE reservations SET status = 'CANCELED', canceled_at = $1
		WHERE id = $2 AND status = 'RESERVED'
	`, at.UTC(), id)
	if err != nil {
		return reserve.Storage("release", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &reserve.NotFoundError{Kind: "reservation", ID: string(id)}
	}
	return nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) Balance(ctx context.Context, manager reserve.AccountID) (reserve.Amount, error) {
	var b int64
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM accounts WHERE id = $1 AND kind = 'MANAGER'", manager).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Amount{}, &reserve.NotFoundError{Kind: "manager", ID: string(manager)}
	}
	if err != nil {
		return reserve.Amount{}, reserve.Storage("balance", err)
	}
	return reserve.BluDollars(b), nil
}

func (s *Store) UsedOn(ctx context.Context, employee reserve.AccountID, day reserve.Day) (reserve.Amount, error) {
	return usedOn(ctx, s.db, employee, day)
}

func usedOn(ctx context.Context, q querier, employee reserve.AccountID, day reserve.Day) (reserve.Amount, error) {
	from, to := day.Bounds()
	var net int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(t.amount), 0)
		FROM transactions t
		LEFT JOIN reservations r ON r.id = t.reference_id
		WHERE t.employee_id = $1
		  AND t.created_at >= $2 AND t.created_at < $3
		  AND (t.kind = 'RESERVATION'
		       OR (t.kind = 'CANCELLATION' AND r.created_at >= $2 AND r.created_at < $3))
	`, employee, from, to).Scan(&net)
	if err != nil {
		return reserve.Amount{}, reserve.Storage("used on", err)
	}
	return reserve.BluDollars(-net), nil
}

func (s *Store) Transactions(ctx context.Context, f reserve.TransactionFilter) ([]reserve.Transaction, error) {
	w := &where{}
	if f.ManagerID != "" {
		w.add("manager_id = %s", f.ManagerID)
	}
	if f.EmployeeID != "" {
		w.add("employee_id = %s", f.EmployeeID)
	}
	if f.Kind != "" {
		w.add("kind = %s", f.Kind)
	}
	if !f.From.IsZero() {
		w.add("created_at >= %s", f.From.UTC())
	}
	if !f.To.IsZero() {
		w.add("created_at < %s", f.To.UTC())
	}

	query := `SELECT id, manager_id, employee_id, amount, kind, reference_id, reason, created_at
		FROM transactions` + w.clause() + ` ORDER BY created_at, seq`
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, reserve.Storage("query transactions", err)
	}
	defer rows.Close()

	var out []reserve.Transaction
	for rows.Next() {
		var (
			tx     reserve.Transaction
			amount int64
			reason sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.ManagerID, &tx.EmployeeID, &amount, &tx.Kind, &tx.ReferenceID, &reason, &tx.CreatedAt); err != nil {
			return nil, reserve.Storage("scan transaction", err)
		}
		tx.Amount = reserve.BluDollars(amount)
		tx.Reason = reason.String
		tx.CreatedAt = tx.CreatedAt.UTC()
		out = append(out, tx)
	}
	return out, reserve.Storage("query transactions", rows.Err())
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, seat_id, employee_id, start_time, end_time, status, charged, created_at, canceled_at`

func (s *Store) Reservation(ctx context.Context, id reserve.ReservationID) (reserve.Reservation, error) {
	return getReservation(ctx, s.db, id)
}

func (s *Store) ListReservations(ctx context.Context, f reserve.ReservationFilter) ([]reserve.Reservation, error) {
	w := &where{}
	if f.EmployeeID != "" {
		w.add("employee_id = %s", f.EmployeeID)
	}
	if f.SeatID != "" {
		w.add("seat_id = %s", f.SeatID)
	}
	if f.Status != "" {
		w.add("status = %s", f.Status)
	}
	if f.Overlaps != nil {
		w.add("start_time < %s", f.Overlaps.End.UTC())
		w.add("end_time > %s", f.Overlaps.Start.UTC())
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+reservationColumns+" FROM reservations"+w.clause()+" ORDER BY start_time, id", w.args...)
	if err != nil {
		return nil, reserve.Storage("query reservations", err)
	}
	defer rows.Close()

	var out []reserve.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, reserve.Storage("query reservations", rows.Err())
}

func getReservation(ctx context.Context, q querier, id reserve.ReservationID) (reserve.Reservation, error) {
	r, err := scanReservation(q.QueryRowContext(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Reservation{}, &reserve.NotFoundError{Kind: "reservation", ID: string(id)}
	}
	return r, err
}

func scanReservation(row scanner) (reserve.Reservation, error) {
	var (
		r          reserve.Reservation
		charged    int64
		canceledAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.SeatID, &r.EmployeeID, &r.Window.Start, &r.Window.End,
		&r.Status, &charged, &r.CreatedAt, &canceledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, reserve.Storage("scan reservation", err)
	}
	r.Window.Start, r.Window.End = r.Window.Start.UTC(), r.Window.End.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.Charged = reserve.BluDollars(charged)
	if canceledAt.Valid {
		at := canceledAt.Time.UTC()
		r.CanceledAt = &at
	}
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// where builds a positional-parameter WHERE clause.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// hasCode reports whether err is a PostgreSQL error with the given SQLSTATE.
func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
