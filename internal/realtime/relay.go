package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/course-booking/internal/model"
)

const (
	relayKindSnapshot     = "snapshot"
	relayKindIntent       = "intent"
	relayKindIntentCancel = "intent_cancelled"

	originMetadataKey = "origin"
)

type relayPayload struct {
	Kind     string                      `json:"kind"`
	Snapshot *model.AvailabilitySnapshot `json:"snapshot,omitempty"`
	Intent   *model.BookingIntent        `json:"intent,omitempty"`
	Cancel   *IntentCancelled            `json:"cancel,omitempty"`
}

// Relay shares snapshots and intents between server instances.  Local
// calls go to the Hub first and are then published to the stream; messages
// from other instances are applied to the local Hub.  Snapshot versions make
// duplicates and reordering harmless.  Relay satisfies booking.Broadcaster
// and IntentBus.
type Relay struct {
	hub    *Hub
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	origin string
	log    logrus.FieldLogger
}

// NewRelay wires a Hub to a watermill publisher and subscriber.  The
// subscriber must deliver every message to every instance (for Redis
// streams: no consumer group).
func NewRelay(hub *Hub, pub message.Publisher, sub message.Subscriber, topic string, log logrus.FieldLogger) *Relay {
	return &Relay{
		hub:    hub,
		pub:    pub,
		sub:    sub,
		topic:  topic,
		origin: uuid.NewString(),
		log:    log.WithField("component", "relay"),
	}
}

// Publish delivers locally, then forwards to other instances.
func (r *Relay) Publish(ctx context.Context, snap model.AvailabilitySnapshot) {
	r.hub.Publish(ctx, snap)
	r.forward(relayPayload{Kind: relayKindSnapshot, Snapshot: &snap})
}

func (r *Relay) PublishIntent(ctx context.Context, in model.BookingIntent) (model.BookingIntent, error) {
	in, err := r.hub.PublishIntent(ctx, in)
	if err != nil {
		return in, err
	}
	r.forward(relayPayload{Kind: relayKindIntent, Intent: &in})
	return in, nil
}

func (r *Relay) CancelIntent(ctx context.Context, sessionID uint64, intentID string) bool {
	ok := r.hub.CancelIntent(ctx, sessionID, intentID)
	if ok {
		r.forward(relayPayload{Kind: relayKindIntentCancel, Cancel: &IntentCancelled{SessionID: sessionID, IntentID: intentID}})
	}
	return ok
}

func (r *Relay) forward(p relayPayload) {
	body, err := json.Marshal(p)
	if err != nil {
		r.log.WithError(err).Error("marshal relay message failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(originMetadataKey, r.origin)
	msg.Metadata.Set("kind", p.Kind)
	if err := r.pub.Publish(r.topic, msg); err != nil {
		r.log.WithError(err).WithField("kind", p.Kind).Warn("relay publish failed")
	}
}

// Run applies messages from other instances until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	msgs, err := r.sub.Subscribe(ctx, r.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	r.log.WithField("topic", r.topic).Info("relay started")
	for msg := range msgs {
		r.apply(ctx, msg)
		msg.Ack()
	}
	return nil
}

func (r *Relay) apply(ctx context.Context, msg *message.Message) {
	if msg.Metadata.Get(originMetadataKey) == r.origin {
		return
	}
	var p relayPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		r.log.WithError(err).WithField("message_uuid", msg.UUID).Warn("malformed relay message")
		return
	}
	switch {
	case p.Kind == relayKindSnapshot && p.Snapshot != nil:
		r.hub.Publish(ctx, *p.Snapshot)
	case p.Kind == relayKindIntent && p.Intent != nil:
		if _, err := r.hub.PublishIntent(ctx, *p.Intent); err != nil {
			r.log.WithError(err).Debug("remote intent rejected")
		}
	case p.Kind == relayKindIntentCancel && p.Cancel != nil:
		r.hub.CancelIntent(ctx, p.Cancel.SessionID, p.Cancel.IntentID)
	default:
		r.log.WithField("kind", p.Kind).Warn("unknown relay message")
	}
}

// Close closes the publisher and the subscriber.
func (r *Relay) Close() error {
	perr := r.pub.Close()
	serr := r.sub.Close()
	if perr != nil {
		return perr
	}
	return serr
}
