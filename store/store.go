/*
Package store selects and opens a persistence backend.

PURPOSE:
  Every backend implements the same composite Backend interface, so the
  engine, identity service, seat catalog and API never know which one is
  running. Backend choice is configuration, not code.

IMPLEMENTATIONS:
  memory   - store/memory: per-key locks, nothing survives a restart
  sqlite   - store/sqlite: single file (or ":memory:"), default
  postgres - store/postgres: lib/pq, row locks + exclusion constraint

SEE ALSO:
  - reserve/store.go: The engine-facing contracts
  - store/storetest: Conformance suite shared by all backends
*/
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/blureserve/seat-engine/reserve"
	"github.com/blureserve/seat-engine/store/memory"
	"github.com/blureserve/seat-engine/store/postgres"
	"github.com/blureserve/seat-engine/store/sqlite"
)

// Backend is the full persistence surface of the service.
type Backend interface {
	reserve.Store
	reserve.LedgerReader
	reserve.ReservationLister
	reserve.AccountLister

	// Accounts
	CreateAccount(ctx context.Context, a reserve.Account) error
	AccountByEmail(ctx context.Context, email string) (reserve.Account, error)
	SearchAccounts(ctx context.Context, query string) ([]reserve.Account, error)
	UpdateProfile(ctx context.Context, id reserve.AccountID, u reserve.ProfileUpdate) (reserve.Account, error)

	// Seats
	CreateSeat(ctx context.Context, s reserve.Seat) error
	Seat(ctx context.Context, id reserve.SeatID) (reserve.Seat, error)
	ListSeats(ctx context.Context) ([]reserve.Seat, error)
	SeatExists(ctx context.Context, id reserve.SeatID) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Options struct {
	Driver string
	// Path is the SQLite file, or ":memory:".
	Path string
	// DSN is the PostgreSQL connection string.
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open returns the configured backend, already migrated and reachable.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Driver {
	case DriverMemory:
		return memory.New(), nil
	case DriverSQLite, "":
		path := opts.Path
		if path == "" {
			path = ":memory:"
		}
		s, err := sqlite.New(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             opts.DSN,
			MaxOpenConns:    opts.MaxOpenConns,
			MaxIdleConns:    opts.MaxIdleConns,
			ConnMaxLifetime: opts.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
}

// Compile-time checks.
var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)
