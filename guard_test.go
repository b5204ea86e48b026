package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_RetryableFailuresOpenBreaker(t *testing.T) {
	calls := 0
	next := BrokerFunc(func(context.Context, Message) error {
		calls++
		return errors.New("connection refused")
	})

	g := Guard(discardLogger(), next, GuardConfig{ConsecutiveFailures: 2, Timeout: time.Hour})

	for i := 0; i < 2; i++ {
		err := g.Publish(context.Background(), Message{Topic: "t"})
		assert.Equal(t, RetryableFailure, Classify(err))
	}
	assert.Equal(t, "open", g.State())

	err := g.Publish(context.Background(), Message{Topic: "t"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, ErrRetryableDelivery)
	assert.Equal(t, RetryableFailure, Classify(err))
	assert.Equal(t, 2, calls, "open breaker short-circuits")
}

func TestGuard_FatalFailuresKeepBreakerClosed(t *testing.T) {
	next := BrokerFunc(func(context.Context, Message) error {
		return Fatal(errors.New("message too large"))
	})

	g := Guard(discardLogger(), next, GuardConfig{ConsecutiveFailures: 2})

	for i := 0; i < 5; i++ {
		err := g.Publish(context.Background(), Message{Topic: "t"})
		assert.Equal(t, FatalFailure, Classify(err))
	}
	assert.Equal(t, "closed", g.State())
}

func TestGuard_RateLimit(t *testing.T) {
	next := BrokerFunc(func(context.Context, Message) error { return nil })

	g := Guard(discardLogger(), next, GuardConfig{RatePerSecond: 0.1, Burst: 1})

	require.NoError(t, g.Publish(context.Background(), Message{Topic: "t"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := g.Publish(ctx, Message{Topic: "t"})
	assert.ErrorIs(t, err, ErrRetryableDelivery)
}
