package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testSignal struct {
	Symbol string `json:"symbol"`
	Qty    string `json:"qty"`
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb)
}

func TestPublishSubscribeRoundTrips(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msgs, err := Subscribe[testSignal](ctx, b, ChannelApprovedSignals)
	require.NoError(t, err)

	// Give the subscription goroutine a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, ChannelApprovedSignals, testSignal{Symbol: "BTC-USD", Qty: "1.5"}))

	select {
	case got := <-msgs:
		require.Equal(t, "BTC-USD", got.Symbol)
		require.Equal(t, "1.5", got.Qty)
	case <-time.After(time.Second):
		t.Fatal("did not receive published message")
	}
}

func TestSubscribeStopsOnContextCancel(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	msgs, err := Subscribe[testSignal](ctx, b, ChannelFills)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-msgs:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription channel did not close after cancel")
	}
}

func TestPushWorkAndPopWorkRoundTrips(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.PushWork(ctx, "outbox:wake", map[string]int{"id": 1}))

	body, err := b.PopWork(ctx, "outbox:wake", time.Second)
	require.NoError(t, err)
	require.Contains(t, string(body), `"id":1`)
}

func TestPopWorkReturnsNilOnTimeout(t *testing.T) {
	b := newTestBus(t)
	body, err := b.PopWork(context.Background(), "outbox:wake-empty", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, body)
}
