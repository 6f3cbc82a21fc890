package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel notifications travel on.
const DefaultChannel = "fieldops:notifications"

// RedisBus shares one notification stream between several server
// instances. Publish goes to Redis; Run relays every message that comes
// back from Redis to the local subscribers of this instance, so a user
// connected to any instance receives it.
type RedisBus struct {
	client  goredis.UniversalClient
	channel string
	local   *LocalBus
	log     *slog.Logger
}

func NewRedisBus(client goredis.UniversalClient, channel string, log *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, local: NewLocalBus(), log: log}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("events/redis: marshal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("events/redis: publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(h Handler) func() {
	return b.local.Subscribe(h)
}

// Run blocks relaying Redis messages until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("events/redis: subscribe: %w", err)
	}
	b.log.Info("redis event relay started", slog.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn("dropping malformed event", slog.String("error", err.Error()))
				continue
			}
			_ = b.local.Publish(ctx, msg)
		}
	}
}
