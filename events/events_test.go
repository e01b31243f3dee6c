package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blureserve/seat-engine/reserve"
)

func booking() (reserve.Reservation, reserve.Transaction) {
	start := time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)
	r := reserve.Reservation{
		ID: "res-1", SeatID: "seat-4", EmployeeID: "emp-1",
		Window: reserve.Window{Start: start, End: start.Add(2 * time.Hour)},
		Status: reserve.StatusReserved, Charged: reserve.BluDollars(5),
	}
	tx := reserve.Transaction{
		ID: "tx-1", ManagerID: "mgr-1", EmployeeID: "emp-1", Kind: reserve.TxReservation,
		Amount: reserve.BluDollars(-5), ReferenceID: "res-1",
		CreatedAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	return r, tx
}

func TestNotifier_PublishesToBus(t *testing.T) {
	bus := NewBus()
	sub, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	n := NewNotifier(bus)
	r, tx := booking()
	require.NoError(t, n.ReservationBooked(context.Background(), r, tx))

	e := <-sub
	assert.Equal(t, TypeReservationBooked, e.Type)
	assert.Equal(t, "res-1", e.ReservationID)
	assert.Equal(t, "seat-4", e.SeatID)
	assert.Equal(t, "mgr-1", e.ManagerID)
	assert.Equal(t, "2025-03-11 10:00", e.StartTime)
	assert.Equal(t, "2025-03-11 12:00", e.EndTime)
	assert.Equal(t, int64(-5), e.Amount)
	assert.NotEmpty(t, e.ID)
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	sub, unsubscribe := bus.Subscribe(1)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeReservationCanceled}))
	}
	assert.Len(t, sub, 1)

	unsubscribe()
	unsubscribe()
	_, open := <-sub
	assert.True(t, open, "buffered event is still readable")
	_, open = <-sub
	assert.False(t, open)
}

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("broker down")
	bus := NewBus()
	sub, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	err := Multi{failing{boom}, bus, Nop{}}.Publish(context.Background(), Event{ID: "e-1"})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "e-1", (<-sub).ID, "later publishers still run")
}

// =============================================================================
// AMQP
// =============================================================================

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	failNext  error
	closed    bool
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { f.closed = true; return nil }

func TestAMQPPublisher(t *testing.T) {
	var channels []*fakeChannel
	p := newAMQPPublisher(func() (channel, func() error, error) {
		ch := &fakeChannel{}
		channels = append(channels, ch)
		return ch, func() error { return nil }, nil
	}, zerolog.Nop())

	r, tx := booking()
	e := newEvent(TypeReservationBooked, r, tx)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, e))
	require.NoError(t, p.Publish(ctx, e))

	require.Len(t, channels, 1)
	ch := channels[0]
	assert.Equal(t, []string{"reservation.booked"}, ch.declared, "queue declared once per connection")
	assert.Equal(t, []string{"reservation.booked", "reservation.booked"}, ch.keys)
	msg := ch.published[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, e.ReservationID, decoded.ReservationID)

	// A failed publish drops the connection; the next one reconnects.
	ch.failNext = errors.New("channel closed")
	assert.Error(t, p.Publish(ctx, e))
	assert.True(t, ch.closed)

	require.NoError(t, p.Publish(ctx, e))
	require.Len(t, channels, 2)
	assert.Equal(t, []string{"reservation.booked"}, channels[1].declared)

	require.NoError(t, p.Close())
}

func TestAMQPPublisher_DialFailure(t *testing.T) {
	p := newAMQPPublisher(func() (channel, func() error, error) {
		return nil, nil, errors.New("connection refused")
	}, zerolog.Nop())

	err := p.Publish(context.Background(), Event{Type: TypeReservationCanceled})
	assert.ErrorContains(t, err, "connection refused")
	assert.NoError(t, p.Close())
}
