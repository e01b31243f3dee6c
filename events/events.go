/*
Package events publishes committed reservation outcomes.

PURPOSE:
  The engine reports each committed Book and Cancel through reserve.Notifier.
  This package turns those calls into Events and hands them to a Publisher:
  RabbitMQ for other services, an in-process Bus for tests and the demo, or
  Nop when nothing listens.

DELIVERY:
  At-most-once. Events are published after commit; a publish failure is
  logged by the engine and never undoes the reservation.

SEE ALSO:
  - amqp.go:           RabbitMQ publisher
  - reserve/engine.go: Calls the Notifier after commit
*/
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blureserve/seat-engine/reserve"
)

type Type string

const (
	TypeReservationBooked   Type = "reservation.booked"
	TypeReservationCanceled Type = "reservation.canceled"
)

// Event is the wire shape of a reservation outcome.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	ReservationID string    `json:"reservation_id"`
	SeatID        string    `json:"seat_id"`
	EmployeeID    string    `json:"employee_id"`
	ManagerID     string    `json:"manager_id"`
	StartTime     string    `json:"start_time"`
	EndTime       string    `json:"end_time"`
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// NOTIFIER - reserve.Notifier adapter
// =============================================================================

type Notifier struct {
	pub Publisher
}

func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) ReservationBooked(ctx context.Context, r reserve.Reservation, tx reserve.Transaction) error {
	return n.pub.Publish(ctx, newEvent(TypeReservationBooked, r, tx))
}

func (n *Notifier) ReservationCanceled(ctx context.Context, r reserve.Reservation, tx reserve.Transaction) error {
	return n.pub.Publish(ctx, newEvent(TypeReservationCanceled, r, tx))
}

func newEvent(t Type, r reserve.Reservation, tx reserve.Transaction) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		OccurredAt:    tx.CreatedAt.UTC(),
		ReservationID: string(r.ID),
		SeatID:        string(r.SeatID),
		EmployeeID:    string(r.EmployeeID),
		ManagerID:     string(tx.ManagerID),
		StartTime:     r.Window.Start.Format(reserve.WindowLayout),
		EndTime:       r.Window.End.Format(reserve.WindowLayout),
		TransactionID: string(tx.ID),
		Amount:        tx.Amount.Int64(),
	}
}

// =============================================================================
// BUS - In-process fan-out
// =============================================================================

// Bus delivers events to in-process subscribers. A subscriber whose buffer
// is full misses the event rather than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return ctx.Err()
}
