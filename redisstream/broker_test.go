package redisstream

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fedotovmax/relay"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, cfg Config) (*Broker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)), client, cfg)
	return b, mr, client
}

func testMessage(token string) relay.Message {
	return relay.Message{
		Topic:            "OrderCreated",
		Key:              "order-1",
		Payload:          []byte(`{"id":"order-1"}`),
		IdempotencyToken: token,
	}
}

func TestBroker_Publish_AppendsEntry(t *testing.T) {
	b, _, client := newTestBroker(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, testMessage("evt-1")))

	entries, err := client.XRange(ctx, "outbox:OrderCreated", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-1", entries[0].Values["event_id"])
	assert.Equal(t, "order-1", entries[0].Values["key"])
	assert.Equal(t, "OrderCreated", entries[0].Values["type"])
	assert.Equal(t, `{"id":"order-1"}`, entries[0].Values["payload"])
}

func TestBroker_Publish_DuplicateTokenIsDeliveredOnce(t *testing.T) {
	b, _, client := newTestBroker(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, testMessage("evt-1")))
	require.NoError(t, b.Publish(ctx, testMessage("evt-1")))

	n, err := client.XLen(ctx, "outbox:OrderCreated").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBroker_Publish_DedupeExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupeTTL = time.Minute
	b, mr, client := newTestBroker(t, cfg)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, testMessage("evt-1")))
	mr.FastForward(time.Minute + time.Second)
	require.NoError(t, b.Publish(ctx, testMessage("evt-1")))

	n, err := client.XLen(ctx, "outbox:OrderCreated").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBroker_Publish_WrongTypeIsFatal(t *testing.T) {
	b, mr, client := newTestBroker(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, mr.Set("outbox:OrderCreated", "not a stream"))

	err := b.Publish(ctx, testMessage("evt-1"))
	require.Error(t, err)
	assert.Equal(t, relay.FatalFailure, relay.Classify(err))

	mr.Del("outbox:OrderCreated")

	require.NoError(t, b.Publish(ctx, testMessage("evt-1")), "failed append leaves no dedupe marker")

	n, err := client.XLen(ctx, "outbox:OrderCreated").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBroker_Publish_OversizePayloadIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayloadBytes = 8
	b, _, _ := newTestBroker(t, cfg)

	msg := testMessage("evt-1")
	msg.Payload = []byte(strings.Repeat("x", 9))

	err := b.Publish(context.Background(), msg)
	assert.Equal(t, relay.FatalFailure, relay.Classify(err))
}

func TestBroker_Publish_UnreachableIsRetryable(t *testing.T) {
	b, mr, _ := newTestBroker(t, DefaultConfig())
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := b.Publish(ctx, testMessage("evt-1"))
	require.Error(t, err)
	assert.Equal(t, relay.RetryableFailure, relay.Classify(err))
}
