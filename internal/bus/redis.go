package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"lms-realtime/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans out over a single Redis pub/sub channel. Every process
// subscribes to the same channel and filters by room locally.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	pubsubs []*redis.PubSub
}

func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.pubsubs = append(b.pubsubs, ps)

	go func() {
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Error("Dropping malformed bus envelope: %v", err)
				continue
			}
			h(env)
		}
	}()
	return nil
}

func (b *RedisBus) Shared() bool { return true }

func (b *RedisBus) Close() error {
	var firstErr error
	for _, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
