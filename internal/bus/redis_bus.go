package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/redis/go-redis/v9"
)

type RedisBus struct {
	log    *logger.Logger
	client redis.UniversalClient
}

func NewRedisBus(log *logger.Logger, client redis.UniversalClient) (*RedisBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisBus{
		log:    log.With("component", "RedisBus"),
		client: client,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler, channels ...string) error {
	if h == nil {
		return fmt.Errorf("handler required")
	}
	if len(channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	sub := b.client.Subscribe(ctx, channels...)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					b.log.Warn("redis subscription closed", "channels", channels)
					return
				}
				h(m.Channel, []byte(m.Payload))
			}
		}
	}()

	return nil
}
