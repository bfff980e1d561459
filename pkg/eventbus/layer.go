// Package eventbus connects the client bus to watermill.
//
// The Mirror publishes every envelope the client dispatches or sends, and the
// Bridge feeds envelopes published by other processes into the event loop. Without
// Redis both sides share an in-process gochannel.
package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/bus"
)

const (
	DefaultInTopic  = "roomlink.in"
	DefaultOutTopic = "roomlink.out"
)

// Settings configures the Redis Streams transport. When Enabled is false an
// in-memory gochannel is used.
type Settings struct {
	Enabled  bool
	Addr     string
	Group    string
	Consumer string
	InTopic  string
	OutTopic string
}

func (s Settings) withDefaults() Settings {
	if s.Addr == "" {
		s.Addr = "localhost:6379"
	}
	if s.Group == "" {
		s.Group = "roomlink"
	}
	if s.Consumer == "" {
		s.Consumer = "client-1"
	}
	if s.InTopic == "" {
		s.InTopic = DefaultInTopic
	}
	if s.OutTopic == "" {
		s.OutTopic = DefaultOutTopic
	}
	return s
}

// Layer is a publisher/subscriber pair plus whatever they share.
type Layer struct {
	Settings   Settings
	Publisher  message.Publisher
	Subscriber message.Subscriber
	client     *redis.Client
}

func Build(s Settings) (*Layer, error) {
	s = s.withDefaults()
	logger := NewLogger(log.With().Str("component", "eventbus").Logger())
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Layer{Settings: s, Publisher: ch, Subscriber: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}
	return &Layer{Settings: s, Publisher: pub, Subscriber: sub, client: client}, nil
}

// EnsureGroupAtTail creates the consumer group of the inbound stream at "$" so a
// new client does not replay old envelopes. It is a no-op without Redis.
func (l *Layer) EnsureGroupAtTail(ctx context.Context) error {
	if l == nil || l.client == nil {
		return nil
	}
	err := l.client.XGroupCreateMkStream(ctx, l.Settings.InTopic, l.Settings.Group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create consumer group")
	}
	log.Info().Str("stream", l.Settings.InTopic).Str("group", l.Settings.Group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// Publish sends env to topic.
func Publish(pub message.Publisher, topic string, env bus.Envelope) error {
	frame, err := bus.Encode(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), frame)
	msg.Metadata.Set("topic", string(env.Topic))
	msg.Metadata.Set("action", string(env.Action))
	return errors.Wrapf(pub.Publish(topic, msg), "publish %s", env)
}

func (l *Layer) Close() error {
	if l == nil {
		return nil
	}
	var errs []string
	if l.Publisher != nil {
		if err := l.Publisher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	// The gochannel pair is one object.
	if l.Subscriber != nil && any(l.Subscriber) != any(l.Publisher) {
		if err := l.Subscriber.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if l.client != nil {
		if err := l.client.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close event layer: %s", strings.Join(errs, "; "))
	}
	return nil
}
