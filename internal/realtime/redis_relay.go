package realtime

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// streamMaxLen caps the relay stream; only recent snapshots matter.
const streamMaxLen = 10000

// NewRedisRelay builds a Relay over a Redis stream.  The subscriber reads
// without a consumer group, so every instance sees every message added
// after it connected.
func NewRedisRelay(hub *Hub, rdb redis.UniversalClient, topic string, log logrus.FieldLogger) (*Relay, error) {
	wlog := watermill.NewStdLogger(false, false)
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:  rdb,
		Maxlens: map[string]int64{topic: streamMaxLen},
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("creating relay publisher: %w", err)
	}
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client: rdb,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("creating relay subscriber: %w", err)
	}
	return NewRelay(hub, pub, sub, topic, log), nil
}
