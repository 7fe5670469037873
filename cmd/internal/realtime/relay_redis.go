package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRelayChannel is the pub/sub channel shared by every node.
const DefaultRelayChannel = "parley.realtime.v1"

// RedisRelay forwards targeted deliveries between nodes over Redis pub/sub.
// Delivery is best effort, like local push.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisRelay constructs a relay on channel (DefaultRelayChannel when empty).
func NewRedisRelay(rdb *redis.Client, channel string, log *slog.Logger) (*RedisRelay, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{rdb: rdb, channel: channel, log: log}, nil
}

// Publish sends d to every subscribed node.
func (r *RedisRelay) Publish(ctx context.Context, d Delivery) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

// Run subscribes and hands every decoded Delivery to apply until ctx ends.
// The caller filters out its own node (Router.ApplyRemote does).
func (r *RedisRelay) Run(ctx context.Context, apply func(Delivery)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("relay.subscribe", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				r.log.Warn("relay.decode.fail", "err", err)
				continue
			}
			apply(d)
		}
	}
}

var _ Relay = (*RedisRelay)(nil)
