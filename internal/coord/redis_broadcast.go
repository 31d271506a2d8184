package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultRedisChannelPrefix = "relaysync:"
	maxRedisBackoff           = 30 * time.Second
)

// wireEnvelope is the payload shared by the network broadcasters.
type wireEnvelope struct {
	Topic       string   `json:"topic"`
	Origin      string   `json:"origin"`
	Names       []string `json:"names"`
	PublishedAt int64    `json:"published_at"`
}

// RedisBroadcaster carries messages over Redis pub/sub so processes on
// different hosts can share invalidations.
type RedisBroadcaster struct {
	client *redis.Client
	logger zerolog.Logger
	prefix string
	subs   *topicSubscribers

	latency *prometheus.HistogramVec

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRedisBroadcaster starts consuming immediately. Close stops the
// consumer and closes the client.
func NewRedisBroadcaster(client *redis.Client, logger zerolog.Logger) *RedisBroadcaster {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relaysync",
		Subsystem: "broadcast",
		Name:      "publish_to_receive_seconds",
		Help:      "Observed latency between publish and delivery of a remote invalidation.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"topic"})
	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBroadcaster{
		client:  client,
		logger:  logger,
		prefix:  defaultRedisChannelPrefix,
		subs:    newTopicSubscribers(),
		latency: histogram,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.run(ctx)
	return b
}

func (b *RedisBroadcaster) Publish(ctx context.Context, topic string, msg Message) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}
	encoded, err := json.Marshal(wireEnvelope{
		Topic:       topic,
		Origin:      msg.Origin,
		Names:       msg.Names,
		PublishedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	channel := b.prefix + topic
	backoff := 100 * time.Millisecond
	for {
		err := b.client.Publish(ctx, channel, encoded).Err()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		b.logger.Warn().Err(err).Str("channel", channel).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxRedisBackoff)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *RedisBroadcaster) Subscribe(topic string, fn func(Message)) func() {
	return b.subs.add(topic, fn)
}

func (b *RedisBroadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
		err = b.client.Close()
	})
	return err
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	defer close(b.done)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxRedisBackoff)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()
	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(msg); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(msg *redis.Message) error {
	var payload wireEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	topic := payload.Topic
	if topic == "" {
		topic = strings.TrimPrefix(msg.Channel, b.prefix)
	}
	if payload.PublishedAt > 0 {
		b.latency.WithLabelValues(topic).Observe(time.Since(time.Unix(0, payload.PublishedAt)).Seconds())
	}
	b.subs.dispatch(topic, Message{Origin: payload.Origin, Names: payload.Names})
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
