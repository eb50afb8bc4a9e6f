// Package redisstream builds the watermill transport that carries chat events between
// the turn runner and stream consumers: Redis Streams when enabled, an in-process
// gochannel otherwise.
package redisstream

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Transport is a publisher/subscriber pair plus the resources backing it.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	settings Settings
	client   *redis.Client
	closers  []func() error
}

func (t *Transport) Redis() bool { return t.client != nil }

// EnsureTopic prepares a Redis stream for subscription so a new subscriber starts at the
// tail. It is a no-op for the in-memory transport.
func (t *Transport) EnsureTopic(ctx context.Context, topic string) error {
	if t.client == nil {
		return nil
	}
	return ensureGroupAtTail(ctx, t.client, topic, t.settings.Group)
}

func (t *Transport) Close() error {
	var first error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	t.closers = nil
	return first
}

// NewInMemoryTransport returns a gochannel pub/sub. Messages are delivered to every
// subscriber of a topic and are not persisted.
func NewInMemoryTransport() *Transport {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, NewWatermillLogger(log.Logger))
	return &Transport{
		Publisher:  ch,
		Subscriber: ch,
		closers:    []func() error{ch.Close},
	}
}

// BuildTransport constructs a Redis Streams transport when enabled. If settings.Enabled
// is false, it returns the in-memory transport.
func BuildTransport(ctx context.Context, s Settings) (*Transport, error) {
	if !s.Enabled {
		return NewInMemoryTransport(), nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", s.Addr)
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
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
		return nil, err
	}

	log.Info().Str("component", "redisstream").Str("addr", s.Addr).Str("group", s.Group).Msg("using redis streams transport")
	return &Transport{
		Publisher:  pub,
		Subscriber: sub,
		settings:   s,
		client:     client,
		closers:    []func() error{client.Close, pub.Close, sub.Close},
	}, nil
}

// ensureGroupAtTail creates the consumer group for a given stream at the tail ($) if it
// doesn't exist. This prevents full historical replay on first subscribe.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
