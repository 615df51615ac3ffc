// Package eventbus carries inbound real-time frames from the socket to the
// modules that consume them. Frames are published on an in-memory watermill
// channel and, optionally, mirrored to a Redis stream.
package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/logging"
	"github.com/go-go-golems/chatline/pkg/stompws"
)

const (
	TopicChat          = "chat"
	TopicChatbot       = "chatbot"
	TopicNotifications = "notifications"
	TopicGroup         = "group"

	// MetadataDestination carries the STOMP destination a frame arrived on.
	MetadataDestination = "destination"
)

// RedisSettings configures the optional Redis Streams mirror.
type RedisSettings struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr         string `mapstructure:"addr" yaml:"addr"`
	StreamPrefix string `mapstructure:"stream-prefix" yaml:"stream-prefix"`
	Group        string `mapstructure:"group" yaml:"group"`
	Consumer     string `mapstructure:"consumer" yaml:"consumer"`
}

func DefaultRedisSettings() RedisSettings {
	return RedisSettings{Addr: "localhost:6379", StreamPrefix: "chatline.", Group: "chatline", Consumer: "tail-1"}
}

// Stream is the Redis stream name used for topic.
func (s RedisSettings) Stream(topic string) string {
	return s.StreamPrefix + topic
}

type Bus struct {
	local  *gochannel.GoChannel
	mirror message.Publisher
	redis  RedisSettings
	client redis.UniversalClient
	logger watermill.LoggerAdapter
}

type Option func(*Bus) error

// WithRedisMirror enables mirroring to Redis Streams when s.Enabled is set.
func WithRedisMirror(s RedisSettings) Option {
	return func(b *Bus) error {
		b.redis = s
		return nil
	}
}

func WithRedisClient(c redis.UniversalClient) Option {
	return func(b *Bus) error {
		b.client = c
		return nil
	}
}

// WithMirror mirrors every published frame to pub instead of Redis. Stream
// names still come from the Redis settings.
func WithMirror(pub message.Publisher) Option {
	return func(b *Bus) error {
		b.mirror = pub
		return nil
	}
}

func New(opts ...Option) (*Bus, error) {
	b := &Bus{logger: logging.NewWatermill(log.Logger)}
	for _, o := range opts {
		if err := o(b); err != nil {
			return nil, err
		}
	}
	// Publish blocks until the consumer acked so frames are handled in arrival order.
	b.local = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, b.logger)

	if b.redis.Enabled && b.mirror == nil {
		if b.client == nil {
			b.client = redis.NewClient(&redis.Options{Addr: b.redis.Addr})
		}
		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     b.client,
			Marshaller: rstream.DefaultMarshallerUnmarshaller{},
		}, b.logger)
		if err != nil {
			_ = b.local.Close()
			return nil, errors.Wrap(err, "create redis stream publisher")
		}
		b.mirror = pub
		log.Info().Str("component", "eventbus").Str("addr", b.redis.Addr).Msg("mirroring events to redis streams")
	}
	return b, nil
}

// Publish delivers payload to the local subscribers of topic, then to the mirror.
func (b *Bus) Publish(topic string, payload []byte, metadata map[string]string) error {
	msg := message.NewMessage(uuid.NewString(), payload)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	if err := b.local.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	if b.mirror != nil {
		mirrored := message.NewMessage(msg.UUID, payload)
		for k, v := range msg.Metadata {
			mirrored.Metadata.Set(k, v)
		}
		if err := b.mirror.Publish(b.redis.Stream(topic), mirrored); err != nil {
			log.Warn().Err(err).Str("component", "eventbus").Str("topic", topic).Msg("redis mirror publish failed")
		}
	}
	return nil
}

// Forward returns a STOMP handler that publishes every frame to topic.
func (b *Bus) Forward(topic string) stompws.Handler {
	return func(m stompws.Message) {
		if err := b.Publish(topic, m.Body, map[string]string{MetadataDestination: m.Destination}); err != nil {
			log.Warn().Err(err).Str("component", "eventbus").Str("topic", topic).Msg("dropping frame")
		}
	}
}

func (b *Bus) Subscriber() message.Subscriber { return b.local }

func (b *Bus) Close() error {
	var errs []string
	if err := b.local.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if b.mirror != nil {
		if err := b.mirror.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New("close event bus: " + strings.Join(errs, "; "))
	}
	return nil
}

// NewRedisSubscriber reads mirrored frames back from Redis in the given
// consumer group.
func NewRedisSubscriber(s RedisSettings, client redis.UniversalClient) (message.Subscriber, error) {
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: s.Addr})
	}
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logging.NewWatermill(log.Logger))
}

// EnsureGroupAtTail creates the consumer group at the stream tail so a new
// reader does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "eventbus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
