package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes each event to a durable queue named after its
// type, through the default exchange, as a persistent JSON message. The
// connection is opened lazily and reopened after a failed publish.
type AMQPPublisher struct {
	mu       sync.Mutex
	connect  func() (channel, func() error, error)
	ch       channel
	closer   func() error
	declared map[string]bool
	log      zerolog.Logger
}

func NewAMQPPublisher(url string, log zerolog.Logger) *AMQPPublisher {
	return newAMQPPublisher(func() (channel, func() error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
		}
		return ch, conn.Close, nil
	}, log)
}

func newAMQPPublisher(connect func() (channel, func() error, error), log zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		connect:  connect,
		declared: make(map[string]bool),
		log:      log.With().Str("component", "amqp_publisher").Logger(),
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		ch, closer, err := p.connect()
		if err != nil {
			return err
		}
		p.ch, p.closer = ch, closer
		p.declared = make(map[string]bool)
	}

	queue := string(e.Type)
	if !p.declared[queue] {
		if _, err := p.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			p.resetLocked()
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		p.declared[queue] = true
	}

	err = p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	p.log.Debug().Str("event_id", e.ID).Str("type", queue).Msg("event published")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked()
}

func (p *AMQPPublisher) resetLocked() error {
	if p.ch == nil {
		return nil
	}
	_ = p.ch.Close()
	err := p.closer()
	p.ch, p.closer = nil, nil
	return err
}
