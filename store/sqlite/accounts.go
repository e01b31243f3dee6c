package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blureserve/seat-engine/reserve"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, kind, username, email, password_hash, manager_id, balance, initial_balance, created_at`

// CreateAccount inserts an employee or manager. Managers start at their
// initial balance.
func (s *Store) CreateAccount(ctx context.Context, a reserve.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.IsManager() {
		a.Balance = a.InitialBalance
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.Kind,
		a.Username,
		a.Email,
		a.PasswordHash,
		nullString(string(a.ManagerID)),
		a.Balance.Int64(),
		a.InitialBalance.Int64(),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", reserve.ErrDuplicateAccount, a.Email)
		}
		return reserve.Storage("create account", err)
	}
	return nil
}

func (s *Store) Account(ctx context.Context, id reserve.AccountID) (reserve.Account, error) {
	return getAccount(ctx, s.db, id)
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (reserve.Account, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE email = ? COLLATE NOCASE", email)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Account{}, &reserve.NotFoundError{Kind: "account", ID: email}
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context, kind reserve.AccountKind) ([]reserve.Account, error) {
	if kind == "" {
		return s.queryAccounts(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY created_at, id")
	}
	return s.queryAccounts(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE kind = ? ORDER BY created_at, id", kind)
}

// SearchAccounts matches username or email, case-insensitively.
func (s *Store) SearchAccounts(ctx context.Context, query string) ([]reserve.Account, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	return s.queryAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE lower(username) LIKE ? ESCAPE '\' OR lower(email) LIKE ? ESCAPE '\'
		ORDER BY created_at, id
	`, pattern, pattern)
}

func (s *Store) UpdateProfile(ctx context.Context, id reserve.AccountID, u reserve.ProfileUpdate) (reserve.Account, error) {
	var (
		set  []string
		args []any
	)
	if u.Username != nil {
		set, args = append(set, "username = ?"), append(args, *u.Username)
	}
	if u.Email != nil {
		set, args = append(set, "email = ?"), append(args, *u.Email)
	}
	if u.PasswordHash != nil {
		set, args = append(set, "password_hash = ?"), append(args, *u.PasswordHash)
	}
	if len(set) == 0 {
		return s.Account(ctx, id)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return reserve.Account{}, fmt.Errorf("%w: %s", reserve.ErrDuplicateAccount, *u.Email)
		}
		return reserve.Account{}, reserve.Storage("update profile", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return reserve.Account{}, &reserve.NotFoundError{Kind: "account", ID: string(id)}
	}
	return s.Account(ctx, id)
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]reserve.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, reserve.Storage("query accounts", err)
	}
	defer rows.Close()

	var out []reserve.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, reserve.Storage("query accounts", rows.Err())
}

func getAccount(ctx context.Context, q querier, id reserve.AccountID) (reserve.Account, error) {
	row := q.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Account{}, &reserve.NotFoundError{Kind: "account", ID: string(id)}
	}
	return a, err
}

func scanAccount(row scanner) (reserve.Account, error) {
	var (
		a            reserve.Account
		managerID    sql.NullString
		bal, initial int64
		createdAt    string
	)
	err := row.Scan(&a.ID, &a.Kind, &a.Username, &a.Email, &a.PasswordHash, &managerID, &bal, &initial, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, reserve.Storage("scan account", err)
	}
	a.ManagerID = reserve.AccountID(managerID.String)
	a.Balance = reserve.BluDollars(bal)
	a.InitialBalance = reserve.BluDollars(initial)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// =============================================================================
// SEATS
// =============================================================================

func (s *Store) CreateSeat(ctx context.Context, seat reserve.Seat) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO seats (id, seat_number) VALUES (?, ?)", seat.ID, seat.Number)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: seat %d", reserve.ErrDuplicateSeat, seat.Number)
		}
		return reserve.Storage("create seat", err)
	}
	return nil
}

func (s *Store) Seat(ctx context.Context, id reserve.SeatID) (reserve.Seat, error) {
	var seat reserve.Seat
	err := s.db.QueryRowContext(ctx,
		"SELECT id, seat_number FROM seats WHERE id = ?", id,
	).Scan(&seat.ID, &seat.Number)
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Seat{}, &reserve.NotFoundError{Kind: "seat", ID: string(id)}
	}
	if err != nil {
		return reserve.Seat{}, reserve.Storage("seat", err)
	}
	return seat, nil
}

func (s *Store) ListSeats(ctx context.Context) ([]reserve.Seat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, seat_number FROM seats ORDER BY seat_number")
	if err != nil {
		return nil, reserve.Storage("list seats", err)
	}
	defer rows.Close()

	var out []reserve.Seat
	for rows.Next() {
		var seat reserve.Seat
		if err := rows.Scan(&seat.ID, &seat.Number); err != nil {
			return nil, reserve.Storage("scan seat", err)
		}
		out = append(out, seat)
	}
	return out, reserve.Storage("list seats", rows.Err())
}

func (s *Store) SeatExists(ctx context.Context, id reserve.SeatID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM seats WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, reserve.Storage("seat exists", err)
	}
	return n > 0, nil
}
