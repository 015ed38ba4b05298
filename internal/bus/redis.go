package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus adapts the hosted key-value pub/sub to the Bus surface.
// Delivery is at-least-once; consumers dedupe on envelope id.
type RedisBus struct {
	client *redis.Client
	prefix string
	wg     sync.WaitGroup
}

// NewRedisBus connects and pings the server. Failures surface to the
// caller, which falls back to the file backend.
func NewRedisBus(ctx context.Context, addr, password string, db int, prefix string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = "popkit"
	}
	return &RedisBus{client: client, prefix: prefix}, nil
}

func (b *RedisBus) key(channel string) string { return b.prefix + ":" + channel }

// Publish serialises the envelope onto the channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.key(channel), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe relays pub/sub messages until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, channels []string) (<-chan Delivery, error) {
	keys := make([]string, len(channels))
	byKey := make(map[string]string, len(channels))
	for i, ch := range channels {
		keys[i] = b.key(ch)
		byKey[keys[i]] = ch
	}

	ps := b.client.Subscribe(ctx, keys...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Delivery, 64)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer ps.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ps.Channel():
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Debug("undecodable bus message dropped", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- Delivery{Channel: byKey[msg.Channel], Envelope: env}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts the client down after subscribers drain.
func (b *RedisBus) Close() error {
	b.wg.Wait()
	return b.client.Close()
}
