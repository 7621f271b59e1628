package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v3"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// EventsQueue is the durable queue carrying BookingEvents.
const EventsQueue = "booking.events"

// Handler processes one decoded event.  Returning an error rejects the
// message without requeueing it.
type Handler func(ctx context.Context, ev BookingEvent) error

// Consumer reads BookingEvents from the broker and hands them to a Handler.
// It reconnects with exponential backoff until its context is cancelled.
type Consumer struct {
	url      string
	queue    string
	prefetch int
	handle   Handler
	log      logrus.FieldLogger
}

// NewConsumer returns a Consumer for EventsQueue.  A nil handler logs each
// event.
func NewConsumer(url string, handle Handler, log logrus.FieldLogger) *Consumer {
	c := &Consumer{url: url, queue: EventsQueue, prefetch: 50, handle: handle, log: log.WithField("component", "event-consumer")}
	if c.handle == nil {
		c.handle = c.logEvent
	}
	return c
}

// Run consumes until ctx is cancelled, then returns nil.  Broker failures
// are retried with exponential backoff for as long as ctx lives.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	// backoff.WithContext stops early when ctx's deadline falls before the
	// next wait, so the wait is driven here instead.
	for {
		err := c.consume(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		c.log.WithError(err).Warnf("broker connection lost; retrying in %s", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// consume runs one connection's worth of deliveries.  connected is called
// once the queue is being consumed.
func (c *Consumer) consume(ctx context.Context, connected func()) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.WithError(err).Warn("set QoS failed")
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	connected()
	c.log.WithField("queue", c.queue).Info("consuming booking events")

	for d := range msgs {
		if err := c.deliver(ctx, d.Body); err != nil {
			c.log.WithError(err).WithField("message_id", d.MessageId).Error("handle event failed")
			_ = d.Nack(false, false) // do not requeue to avoid tight loops
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

func (c *Consumer) deliver(ctx context.Context, body []byte) error {
	ev, err := Decode(body)
	if err != nil {
		return err
	}
	return c.handle(ctx, ev)
}

// Decode parses a message body into a BookingEvent.
func Decode(body []byte) (BookingEvent, error) {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" || ev.SessionID == 0 {
		return ev, fmt.Errorf("incomplete event: type=%q session_id=%d", ev.Type, ev.SessionID)
	}
	return ev, nil
}

func (c *Consumer) logEvent(_ context.Context, ev BookingEvent) error {
	c.log.WithFields(logrus.Fields{
		"event":           ev.Type,
		"session_id":      ev.SessionID,
		"booking_id":      ev.BookingID,
		"hold_id":         ev.HoldID,
		"reference":       ev.Reference,
		"participants":    ev.Participants,
		"status":          ev.Status,
		"available_spots": ev.AvailableSpots,
		"occurred_at":     ev.OccurredAt,
	}).Info("booking event")
	return nil
}
