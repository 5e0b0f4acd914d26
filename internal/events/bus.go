// Package events fans list change events out to every API instance over
// Redis pub/sub, so a websocket client connected to any instance hears
// about writes made through another.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	dom "listshare/internal/domain"
	"listshare/internal/dto"

	"github.com/redis/go-redis/v9"
)

type envelope struct {
	Message    dto.ServerMessage `json:"message"`
	Recipients []int64           `json:"recipients,omitempty"`
}

// Bus publishes and consumes list events on one Redis channel.
type Bus struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger
}

func NewBus(rdb *redis.Client, channel string, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{rdb: rdb, channel: channel, log: log}
}

// Publish sends ev to every subscribed instance, including this one.
func (b *Bus) Publish(ctx context.Context, ev dom.ListEvent) error {
	payload, err := json.Marshal(envelope{Message: dto.FromEvent(ev), Recipients: ev.Recipients})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run delivers events to handle until ctx is cancelled. Undecodable messages
// are logged and skipped.
func (b *Bus) Run(ctx context.Context, handle func(dom.ListEvent)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so no publish is missed after Run returns from setup.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info("subscribed to list events", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Error("drop malformed list event", "err", err)
				continue
			}
			ev := env.Message.ToEvent()
			ev.Recipients = env.Recipients
			handle(ev)
		}
	}
}
