// Package pubsub wires the named Redis channels that fan signals, fills and
// reconciliation results across the process boundary. Grounded on
// jordigilh-kubernaut's redis/go-redis/v9 usage; miniredis backs the tests.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ChannelApprovedSignals      = "approved_signals"
	ChannelFills                = "fills"
	ChannelReconcileResult      = "reconciliation:result"
	ChannelReconcileDiscrepancy = "reconciliation:discrepancy"
	ChannelModeTransitions      = "mode_transitions"
)

// Bus wraps a redis.Client with typed Publish/Subscribe helpers plus
// list-push and list-pop-with-timeout helpers.
type Bus struct {
	rdb *redis.Client
}

// New constructs a Bus against addr/db.
func New(addr string, db int) *Bus {
	return &Bus{rdb: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

// NewWithClient wraps an existing client, used by tests to inject miniredis.
func NewWithClient(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Publish JSON-encodes v and publishes it to channel.
func (b *Bus) Publish(ctx context.Context, channel string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}
	return b.rdb.Publish(ctx, channel, body).Err()
}

// Subscribe returns a channel of decoded messages. The caller should range
// over it until ctx is cancelled.
func Subscribe[T any](ctx context.Context, b *Bus, channel string) (<-chan T, error) {
	sub := b.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan T)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var v T
				if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PushWork appends a work item to a Redis list. The outbox workers poll on
// a ticker and do not read these lists.
func (b *Bus) PushWork(ctx context.Context, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.rdb.LPush(ctx, key, body).Err()
}

// PopWork blocks up to timeout waiting for a work item on key.
func (b *Bus) PopWork(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := b.rdb.BRPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Close releases the underlying client.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
