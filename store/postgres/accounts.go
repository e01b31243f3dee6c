package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blureserve/seat-engine/reserve"
)

const accountColumns = `id, kind, username, email, password_hash, manager_id, balance, initial_balance, created_at`

func (s *Store) CreateAccount(ctx context.Context, a reserve.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.IsManager() {
		a.Balance = a.InitialBalance
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID, a.Kind, a.Username, a.Email, a.PasswordHash,
		nullString(string(a.ManagerID)), a.Balance.Int64(), a.InitialBalance.Int64(), a.CreatedAt.UTC(),
	)
	if err != nil {
		if hasCode(err, "23505") {
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
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE lower(email) = lower($1)", email))
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Account{}, &reserve.NotFoundError{Kind: "account", ID: email}
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context, kind reserve.AccountKind) ([]reserve.Account, error) {
	w := &where{}
	if kind != "" {
		w.add("kind = %s", kind)
	}
	return s.queryAccounts(ctx, "SELECT "+accountColumns+" FROM accounts"+w.clause()+" ORDER BY created_at, id", w.args...)
}

func (s *Store) SearchAccounts(ctx context.Context, query string) ([]reserve.Account, error) {
	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query) + "%"
	return s.queryAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE username ILIKE $1 OR email ILIKE $1
		ORDER BY created_at, id
	`, pattern)
}

func (s *Store) UpdateProfile(ctx context.Context, id reserve.AccountID, u reserve.ProfileUpdate) (reserve.Account, error) {
	var (
		set  []string
		args []any
	)
	if u.Username != nil {
		args = append(args, *u.Username)
		set = append(set, fmt.Sprintf("username = $%d", len(args)))
	}
	if u.Email != nil {
		args = append(args, *u.Email)
		set = append(set, fmt.Sprintf("email = $%d", len(args)))
	}
	if u.PasswordHash != nil {
		args = append(args, *u.PasswordHash)
		set = append(set, fmt.Sprintf("password_hash = $%d", len(args)))
	}
	if len(set) == 0 {
		return s.Account(ctx, id)
	}

	args = append(args, id)
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		fmt.Sprintf("UPDATE accounts SET %s WHERE id = $%d RETURNING %s", strings.Join(set, ", "), len(args), accountColumns),
		args...))
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Account{}, &reserve.NotFoundError{Kind: "account", ID: string(id)}
	}
	if hasCode(err, "23505") {
		return reserve.Account{}, fmt.Errorf("%w: %s", reserve.ErrDuplicateAccount, *u.Email)
	}
	return a, err
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
	a, err := scanAccount(q.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
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
	)
	err := row.Scan(&a.ID, &a.Kind, &a.Username, &a.Email, &a.PasswordHash, &managerID, &bal, &initial, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, reserve.Storage("scan account", err)
	}
	a.ManagerID = reserve.AccountID(managerID.String)
	a.Balance = reserve.BluDollars(bal)
	a.InitialBalance = reserve.BluDollars(initial)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// =============================================================================
// SEATS
// =============================================================================

func (s *Store) CreateSeat(ctx context.Context, seat reserve.Seat) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO seats (id, seat_number) VALUES ($1, $2)", seat.ID, seat.Number)
	if err != nil {
		if hasCode(err, "23505") {
			return fmt.Errorf("%w: seat %d", reserve.ErrDuplicateSeat, seat.Number)
		}
		return reserve.Storage("create seat", err)
	}
	return nil
}

func (s *Store) Seat(ctx context.Context, id reserve.SeatID) (reserve.Seat, error) {
	var seat reserve.Seat
	err := s.db.QueryRowContext(ctx, "SELECT id, seat_number FROM seats WHERE id = $1", id).Scan(&seat.ID, &seat.Number)
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
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM seats WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, reserve.Storage("seat exists", err)
	}
	return exists, nil
}
