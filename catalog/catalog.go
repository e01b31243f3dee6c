/*
Package catalog is the seat catalog: which seats exist and which are free.

PURPOSE:
  The engine only asks the catalog whether a seat exists. Everything else
  here serves the read side of the API: availability listings for a window,
  per-seat detail, and seeding the floor plan.

AVAILABILITY RULE:
  A seat is RESERVED for [start, end) iff some RESERVED reservation on it
  overlaps the window. CANCELED reservations never block. Listings are a
  snapshot; Book remains the only authority on whether a seat can be taken.

SEE ALSO:
  - cache.go:              Redis read-through for existence and seat lookups
  - reserve/store.go:      SeatCatalog contract
*/
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blureserve/seat-engine/reserve"
)

// SeatStatus is the availability of a seat for a window or an instant.
type SeatStatus string

const (
	StatusAvailable SeatStatus = "AVAILABLE"
	StatusReserved  SeatStatus = "RESERVED"
)

// Filter selects which seats a listing returns.
type Filter string

const (
	FilterAvailable Filter = "available"
	FilterAll       Filter = "all"
)

var ErrInvalidFilter = errors.New("invalid filter, use 'available' or 'all'")

// ParseFilter accepts "available" (the default when empty) or "all".
func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(s))) {
	case "", FilterAvailable:
		return FilterAvailable, nil
	case FilterAll:
		return FilterAll, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFilter, s)
}

// SeatStore is the persistence the catalog reads and seeds.
type SeatStore interface {
	reserve.SeatCatalog
	reserve.ReservationLister
	CreateSeat(ctx context.Context, s reserve.Seat) error
	Seat(ctx context.Context, id reserve.SeatID) (reserve.Seat, error)
	ListSeats(ctx context.Context) ([]reserve.Seat, error)
}

type SeatAvailability struct {
	reserve.Seat
	Status SeatStatus
}

type SeatDetail struct {
	reserve.Seat
	Status       SeatStatus
	Reservations []reserve.Reservation
}

type Catalog struct {
	store SeatStore
	log   zerolog.Logger
}

func New(store SeatStore, log zerolog.Logger) *Catalog {
	return &Catalog{store: store, log: log.With().Str("component", "catalog").Logger()}
}

func (c *Catalog) SeatExists(ctx context.Context, id reserve.SeatID) (bool, error) {
	return c.store.SeatExists(ctx, id)
}

func (c *Catalog) Seat(ctx context.Context, id reserve.SeatID) (reserve.Seat, error) {
	return c.store.Seat(ctx, id)
}

// ListSeats reports every seat's status for w, keeping only free seats
// unless filter is FilterAll. Seats are ordered by number.
func (c *Catalog) ListSeats(ctx context.Context, w reserve.Window, filter Filter) ([]SeatAvailability, error) {
	seats, err := c.store.ListSeats(ctx)
	if err != nil {
		return nil, err
	}
	busy, err := c.store.ListReservations(ctx, reserve.ReservationFilter{
		Status:   reserve.StatusReserved,
		Overlaps: &w,
	})
	if err != nil {
		return nil, err
	}
	taken := make(map[reserve.SeatID]bool, len(busy))
	for _, r := range busy {
		taken[r.SeatID] = true
	}

	out := make([]SeatAvailability, 0, len(seats))
	for _, s := range seats {
		status := StatusAvailable
		if taken[s.ID] {
			status = StatusReserved
		}
		if filter == FilterAvailable && status != StatusAvailable {
			continue
		}
		out = append(out, SeatAvailability{Seat: s, Status: status})
	}
	return out, nil
}

// Detail returns a seat with all of its reservations. Status is RESERVED
// when a RESERVED reservation covers now.
func (c *Catalog) Detail(ctx context.Context, id reserve.SeatID, now time.Time) (SeatDetail, error) {
	seat, err := c.store.Seat(ctx, id)
	if err != nil {
		return SeatDetail{}, err
	}
	rs, err := c.store.ListReservations(ctx, reserve.ReservationFilter{SeatID: id})
	if err != nil {
		return SeatDetail{}, err
	}

	d := SeatDetail{Seat: seat, Status: StatusAvailable, Reservations: rs}
	for _, r := range rs {
		if r.Status == reserve.StatusReserved && r.Window.Contains(now) {
			d.Status = StatusReserved
			break
		}
	}
	return d, nil
}

// Seed creates seats 1..n, skipping numbers that already exist. It returns
// how many seats were created.
func (c *Catalog) Seed(ctx context.Context, n int) (int, error) {
	existing, err := c.store.ListSeats(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[int]bool, len(existing))
	for _, s := range existing {
		have[s.Number] = true
	}

	created := 0
	for i := 1; i <= n; i++ {
		if have[i] {
			continue
		}
		seat := reserve.Seat{ID: SeatIDFor(i), Number: i}
		if err := c.store.CreateSeat(ctx, seat); err != nil {
			if errors.Is(err, reserve.ErrDuplicateSeat) {
				continue
			}
			return created, fmt.Errorf("create seat %d: %w", i, err)
		}
		created++
	}
	c.log.Info().Int("requested", n).Int("created", created).Msg("seat catalog seeded")
	return created, nil
}

// SeatIDFor is the id Seed gives seat number n.
func SeatIDFor(n int) reserve.SeatID {
	return reserve.SeatID(fmt.Sprintf("seat-%d", n))
}
