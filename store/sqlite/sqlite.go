/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Default production backend. Implements reserve.Store (atomic units),
  the ledger read view, accounts and the seat catalog in one database file.

KEY TABLES:
  accounts:     Single tagged table for employees and managers (kind column)
  seats:        Catalog, unique seat_number
  reservations: Seat intervals; status RESERVED or CANCELED
  transactions: Append-only BluDollar ledger

CONSTRAINT ENFORCEMENT:
  The invariants live in the schema so no code path can bypass them:
  - trg_reservations_no_overlap:   BEFORE INSERT, aborts on an overlapping
                                   RESERVED interval on the same seat
  - trg_reservations_terminal:     CANCELED never goes back
  - trg_transactions_append_only:  no UPDATE or DELETE on the ledger
  - CHECK (balance >= 0):          a debit can never drive a manager negative
  - idx_transactions_reference_kind: at most one entry of each kind per reservation

CONCURRENCY:
  Every atomic unit is a BEGIN IMMEDIATE transaction (_txlock=immediate), so
  SQLite admits one writer at a time and the overlap check inside the trigger
  sees every committed interval. The pool is limited to one connection; this
  keeps ":memory:" databases shared and makes the writer order explicit.
  Consequence: units on different seats serialize here. Use store/postgres
  where that matters.

TIME FORMAT:
  All timestamps are stored as fixed-width UTC text (timeLayout), so string
  comparison in SQL is chronological comparison.

USAGE:
  store, err := sqlite.New("./data/blureserve.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - reserve/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/blureserve/seat-engine/reserve"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Accounts: one table, discriminated by kind
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('EMPLOYEE', 'MANAGER')),
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		manager_id TEXT REFERENCES accounts(id),
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		initial_balance INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		CHECK ((kind = 'EMPLOYEE' AND manager_id IS NOT NULL) OR (kind = 'MANAGER' AND manager_id IS NULL))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_email
		ON accounts(email COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_accounts_kind
		ON accounts(kind, created_at);

	-- Sponsor link is fixed at registration
	CREATE TRIGGER IF NOT EXISTS trg_accounts_manager_fixed
	BEFORE UPDATE OF manager_id, kind ON accounts
	WHEN NEW.manager_id IS NOT OLD.manager_id OR NEW.kind IS NOT OLD.kind
	BEGIN
		SELECT RAISE(ABORT, 'account sponsor is immutable');
	END;

	-- Seat catalog
	CREATE TABLE IF NOT EXISTS seats (
		id TEXT PRIMARY KEY,
		seat_number INTEGER NOT NULL UNIQUE
	);

	-- Reservations
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		seat_id TEXT NOT NULL REFERENCES seats(id),
		employee_id TEXT NOT NULL REFERENCES accounts(id),
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('RESERVED', 'CANCELED')),
		charged INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		canceled_at TEXT,
		CHECK (start_time < end_time)
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_seat_window
		ON reservations(seat_id, status, start_time, end_time);
	CREATE INDEX IF NOT EXISTS idx_reservations_employee
		ON reservations(employee_id, start_time);

	-- CRITICAL: no two RESERVED intervals on a seat may share an instant
	CREATE TRIGGER IF NOT EXISTS trg_reservations_no_overlap
	BEFORE INSERT ON reservations
	WHEN NEW.status = 'RESERVED' AND EXISTS (
		SELECT 1 FROM reservations
		WHERE seat_id = NEW.seat_id
		  AND status = 'RESERVED'
		  AND start_time < NEW.end_time
		  AND end_time > NEW.start_time
	)
	BEGIN
		SELECT RAISE(ABORT, 'seat overlap');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_reservations_terminal
	BEFORE UPDATE OF status ON reservations
	WHEN OLD.status = 'CANCELED'
	BEGIN
		SELECT RAISE(ABORT, 'reservation is canceled');
	END;

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		manager_id TEXT NOT NULL REFERENCES accounts(id),
		employee_id TEXT NOT NULL REFERENCES accounts(id),
		amount INTEGER NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('RESERVATION', 'CANCELLATION')),
		reference_id TEXT NOT NULL REFERENCES reservations(id),
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference_kind
		ON transactions(reference_id, kind);
	CREATE INDEX IF NOT EXISTS idx_transactions_employee_created
		ON transactions(employee_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_manager_created
		ON transactions(manager_id, created_at);

	CREATE TRIGGER IF NOT EXISTS trg_transactions_append_only_update
	BEFORE UPDATE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_transactions_append_only_delete
	BEFORE DELETE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ATOMIC UNITS (reserve.Store)
// =============================================================================

// WithTx runs fn inside one BEGIN IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, scope reserve.Scope, fn func(reserve.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reserve.Storage("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx, scope: scope}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return reserve.Storage("commit", err)
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
	res, err := t.q.ExecContext(ctx, `
		UPDATE accounts SET balance = balance - ?
		WHERE id = ? AND kind = 'MANAGER' AND balance >= ?
	`, amount.Int64(), manager, amount.Int64())
	if err != nil {
		return reserve.Amount{}, reserve.Storage("debit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		acct, err := getAccount(ctx, t.q, manager)
		if err != nil || !acct.IsManager() {
			return reserve.Amount{}, &reserve.NotFoundError{Kind: "manager", ID: string(manager)}
		}
		return acct.Balance, &reserve.InsufficientFundsError{ManagerID: manager, Available: acct.Balance, Requested: amount}
	}
	return balance(ctx, t.q, manager)
}

func (t *txStore) Credit(ctx context.Context, manager reserve.AccountID, amount reserve.Amount) (reserve.Amount, error) {
	if manager != t.scope.Manager {
		return reserve.Amount{}, outOfScope("manager", string(manager))
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + ?
		WHERE id = ? AND kind = 'MANAGER'
	`, amount.Int64(), manager)
	if err != nil {
		return reserve.Amount{}, reserve.Storage("credit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return reserve.Amount{}, &reserve.NotFoundError{Kind: "manager", ID: string(manager)}
	}
	return balance(ctx, t.q, manager)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.ManagerID,
		entry.EmployeeID,
		entry.Amount.Int64(),
		entry.Kind,
		entry.ReferenceID,
		nullString(entry.Reason),
		formatTime(entry.CreatedAt),
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
	var n int
	err := t.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE seat_id = ? AND status = 'RESERVED' AND start_time < ? AND end_time > ?
	`, seat, formatTime(w.End), formatTime(w.Start)).Scan(&n)
	if err != nil {
		return false, reserve.Storage("is free", err)
	}
	return n == 0, nil
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.SeatID,
		r.EmployeeID,
		formatTime(r.Window.Start),
		formatTime(r.Window.End),
		r.Status,
		r.Charged.Int64(),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		if isOverlapError(err) {
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
		UPDATE reservations SET status = 'CANCELED', canceled_at = ?
		WHERE id = ? AND status = 'RESERVED'
	`, formatTime(at), id)
	if err != nil {
		return reserve.Storage("release", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &reserve.NotFoundError{Kind: "reservation", ID: string(id)}
	}
	return nil
}

// =============================================================================
// LEDGER READS (reserve.LedgerReader)
// =============================================================================

func (s *Store) Balance(ctx context.Context, manager reserve.AccountID) (reserve.Amount, error) {
	return balance(ctx, s.db, manager)
}

func (s *Store) UsedOn(ctx context.Context, employee reserve.AccountID, day reserve.Day) (reserve.Amount, error) {
	return usedOn(ctx, s.db, employee, day)
}

func (s *Store) Transactions(ctx context.Context, f reserve.TransactionFilter) ([]reserve.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.ManagerID != "" {
		where, args = append(where, "manager_id = ?"), append(args, f.ManagerID)
	}
	if f.EmployeeID != "" {
		where, args = append(where, "employee_id = ?"), append(args, f.EmployeeID)
	}
	if f.Kind != "" {
		where, args = append(where, "kind = ?"), append(args, f.Kind)
	}
	if !f.From.IsZero() {
		where, args = append(where, "created_at >= ?"), append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where, args = append(where, "created_at < ?"), append(args, formatTime(f.To))
	}

	query := `
		SELECT id, manager_id, employee_id, amount, kind, reference_id, reason, created_at
		FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, reserve.Storage("query transactions", err)
	}
	defer rows.Close()

	var out []reserve.Transaction
	for rows.Next() {
		var (
			tx        reserve.Transaction
			amount    int64
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.ManagerID, &tx.EmployeeID, &amount, &tx.Kind, &tx.ReferenceID, &reason, &createdAt); err != nil {
			return nil, reserve.Storage("scan transaction", err)
		}
		tx.Amount = reserve.BluDollars(amount)
		tx.Reason = reason.String
		tx.CreatedAt = parseTime(createdAt)
		out = append(out, tx)
	}
	return out, reserve.Storage("query transactions", rows.Err())
}

func balance(ctx context.Context, q querier, manager reserve.AccountID) (reserve.Amount, error) {
	var b int64
	err := q.QueryRowContext(ctx,
		"SELECT balance FROM accounts WHERE id = ? AND kind = 'MANAGER'", manager,
	).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Amount{}, &reserve.NotFoundError{Kind: "manager", ID: string(manager)}
	}
	if err != nil {
		return reserve.Amount{}, reserve.Storage("balance", err)
	}
	return reserve.BluDollars(b), nil
}

// usedOn derives net daily spend from the log. A cancellation counts only
// when its reservation was booked on the same day.
func usedOn(ctx context.Context, q querier, employee reserve.AccountID, day reserve.Day) (reserve.Amount, error) {
	from, to := day.Bounds()
	fromText, toText := formatTime(from), formatTime(to)

	var net int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(t.amount), 0)
		FROM transactions t
		LEFT JOIN reservations r ON r.id = t.reference_id
		WHERE t.employee_id = ?
		  AND t.created_at >= ? AND t.created_at < ?
		  AND (t.kind = 'RESERVATION'
		       OR (t.kind = 'CANCELLATION' AND r.created_at >= ? AND r.created_at < ?))
	`, employee, fromText, toText, fromText, toText).Scan(&net)
	if err != nil {
		return reserve.Amount{}, reserve.Storage("used on", err)
	}
	return reserve.BluDollars(-net), nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, seat_id, employee_id, start_time, end_time, status, charged, created_at, canceled_at`

func (s *Store) Reservation(ctx context.Context, id reserve.ReservationID) (reserve.Reservation, error) {
	return getReservation(ctx, s.db, id)
}

func (s *Store) ListReservations(ctx context.Context, f reserve.ReservationFilter) ([]reserve.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if f.EmployeeID != "" {
		where, args = append(where, "employee_id = ?"), append(args, f.EmployeeID)
	}
	if f.SeatID != "" {
		where, args = append(where, "seat_id = ?"), append(args, f.SeatID)
	}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, f.Status)
	}
	if f.Overlaps != nil {
		where = append(where, "start_time < ? AND end_time > ?")
		args = append(args, formatTime(f.Overlaps.End), formatTime(f.Overlaps.Start))
	}

	query := "SELECT " + reservationColumns + " FROM reservations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	row := q.QueryRowContext(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id = ?", id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Reservation{}, &reserve.NotFoundError{Kind: "reservation", ID: string(id)}
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (reserve.Reservation, error) {
	var (
		r                     reserve.Reservation
		start, end, createdAt string
		charged               int64
		canceledAt            sql.NullString
	)
	err := row.Scan(&r.ID, &r.SeatID, &r.EmployeeID, &start, &end, &r.Status, &charged, &createdAt, &canceledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, reserve.Storage("scan reservation", err)
	}
	r.Window = reserve.Window{Start: parseTime(start), End: parseTime(end)}
	r.Charged = reserve.BluDollars(charged)
	r.CreatedAt = parseTime(createdAt)
	if canceledAt.Valid {
		at := parseTime(canceledAt.String)
		r.CanceledAt = &at
	}
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isOverlapError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "seat overlap")
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
