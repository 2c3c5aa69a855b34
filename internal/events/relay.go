// Package events relays group events between server instances so that a
// user connected to any instance receives them.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kite-server/internal/group"
	"kite-server/internal/metrics"
)

type envelope struct {
	Origin   string      `json:"origin"`
	Event    group.Event `json:"event"`
	Audience []string    `json:"audience"`
}

// RedisRelay delivers events locally and publishes them on a Redis channel.
// Events published by other instances are delivered to the local notifier.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	local   group.Notifier
	log     *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel string, local group.Notifier, log *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		log:     log,
	}
}

// Connect opens a Redis client and checks it with a ping.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisRelay) Notify(ctx context.Context, e group.Event) error {
	if err := r.local.Notify(ctx, e); err != nil {
		r.log.Warn("local event delivery failed", zap.String("type", string(e.Type)), zap.Error(err))
	}

	data, err := json.Marshal(envelope{Origin: r.origin, Event: e, Audience: e.Audience})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	metrics.RelayMessagesTotal.WithLabelValues("out").Inc()
	return nil
}

// Start subscribes to the channel and forwards remote events until ctx is
// cancelled.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	r.log.Info("event relay listening", zap.String("channel", r.channel))

	go r.listenLoop(ctx, pubsub)
	return nil
}

func (r *RedisRelay) listenLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("dropping malformed relay message", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("in").Inc()

	e := env.Event
	e.Audience = env.Audience
	if err := r.local.Notify(ctx, e); err != nil {
		r.log.Warn("remote event delivery failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
