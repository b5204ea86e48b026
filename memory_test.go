package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_Insert_Validates(t *testing.T) {
	l := NewMemoryLedger(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		ce   CreateEvent
	}{
		{"missing aggregate", CreateEvent{EventType: "T", Payload: []byte("x")}},
		{"blank event type", CreateEvent{AggregateID: "a", EventType: "  ", Payload: []byte("x")}},
		{"empty payload", CreateEvent{AggregateID: "a", EventType: "T"}},
		{"oversize payload", CreateEvent{AggregateID: "a", EventType: "T", Payload: []byte(strings.Repeat("x", MaxPayloadBytes+1))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Insert(ctx, tt.ce)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestMemoryLedger_FetchEligible_OnlyAggregateHeads(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLedger(clock.Now)

	a1 := insert(t, l, "a", "T")
	insert(t, l, "a", "T")
	clock.Advance(time.Second)
	b1 := insert(t, l, "b", "T")

	events, err := l.FetchEligible(context.Background(), 10, clock.Now())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, a1, events[0].ID)
	assert.Equal(t, b1, events[1].ID)
}

func TestMemoryLedger_FetchEligible_RespectsLimit(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLedger(clock.Now)

	first := insert(t, l, "a", "T")
	insert(t, l, "b", "T")
	insert(t, l, "c", "T")

	events, err := l.FetchEligible(context.Background(), 1, clock.Now())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, first, events[0].ID)

	events, err = l.FetchEligible(context.Background(), 0, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryLedger_FetchEligible_ReturnsCopies(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLedger(clock.Now)
	id := insert(t, l, "a", "T")

	events, err := l.FetchEligible(context.Background(), 10, clock.Now())
	require.NoError(t, err)
	require.Len(t, events, 1)

	events[0].Status = StatusDead
	events[0].Payload[0] = 'X'

	ev := get(t, l, id)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Equal(t, byte('{'), ev.Payload[0])
}

func TestMemoryLedger_TryClaim_CompareAndSwap(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLedger(clock.Now)
	ctx := context.Background()
	id := insert(t, l, "a", "T")

	ok, err := l.TryClaim(ctx, id, "one", time.Minute, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryClaim(ctx, id, "two", time.Minute, 0)
	require.NoError(t, err)
	assert.False(t, ok, "stale version")

	ok, err = l.TryClaim(ctx, id, "two", time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, ok, "lease still valid")

	clock.Advance(time.Minute + time.Nanosecond)

	ok, err = l.TryClaim(ctx, id, "two", time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease")

	ev := get(t, l, id)
	assert.Equal(t, "two", ev.LockOwner)
	assert.Equal(t, int64(2), ev.Version)
}

func TestMemoryLedger_TryClaim_UnknownID(t *testing.T) {
	l := NewMemoryLedger(nil)

	ok, err := l.TryClaim(context.Background(), "missing", "one", time.Minute, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLedger_Marks_RequireMatchingClaim(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLedger(clock.Now)
	ctx := context.Background()
	id := insert(t, l, "a", "T")

	ok, err := l.TryClaim(ctx, id, "one", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.MarkPublished(ctx, Claim{ID: id, Owner: "two", Version: 1}, 1)
	require.NoError(t, err)
	assert.False(t, ok, "wrong owner")

	ok, err = l.MarkPublished(ctx, Claim{ID: id, Owner: "one", Version: 0}, 1)
	require.NoError(t, err)
	assert.False(t, ok, "wrong version")

	ok, err = l.MarkPublished(ctx, Claim{ID: id, Owner: "one", Version: 1}, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.MarkDead(ctx, Claim{ID: id, Owner: "one", Version: 2}, 1, "late")
	require.NoError(t, err)
	assert.False(t, ok, "terminal rows never change")

	ev := get(t, l, id)
	assert.Equal(t, StatusPublished, ev.Status)
	assert.Equal(t, 1, ev.AttemptCount)
	assert.Empty(t, ev.LockOwner)
	assert.True(t, ev.LockExpiresAt.IsZero())
}

func TestMemoryLedger_MarkRetry(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLedger(clock.Now)
	ctx := context.Background()
	id := insert(t, l, "a", "T")

	ok, err := l.TryClaim(ctx, id, "one", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)

	next := testStart.Add(5 * time.Second)
	ok, err = l.MarkRetry(ctx, Claim{ID: id, Owner: "one", Version: 1}, 1, next, "boom")
	require.NoError(t, err)
	require.True(t, ok)

	ev := get(t, l, id)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Equal(t, next, ev.NextAttemptAt)
	assert.Equal(t, "boom", ev.LastError)

	events, err := l.FetchEligible(ctx, 10, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = l.FetchEligible(ctx, 10, next)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemoryLedger_Release_KeepsAttempts(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLedger(clock.Now)
	ctx := context.Background()
	id := insert(t, l, "a", "T")

	ok, err := l.TryClaim(ctx, id, "one", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.MarkRetry(ctx, Claim{ID: id, Owner: "one", Version: 1}, 1, clock.Now(), "boom")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryClaim(ctx, id, "one", time.Minute, 2)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Release(ctx, Claim{ID: id, Owner: "one", Version: 3})
	require.NoError(t, err)
	require.True(t, ok)

	ev := get(t, l, id)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Equal(t, 1, ev.AttemptCount)
	assert.Empty(t, ev.LockOwner)
}

func TestMemoryLedger_OldestPending(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLedger(clock.Now)
	ctx := context.Background()

	_, found, err := l.OldestPending(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	id := insert(t, l, "a", "T")
	clock.Advance(time.Minute)
	insert(t, l, "b", "T")

	oldest, found, err := l.OldestPending(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testStart, oldest)

	ok, err := l.TryClaim(ctx, id, "one", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.MarkPublished(ctx, Claim{ID: id, Owner: "one", Version: 1}, 1)
	require.NoError(t, err)
	require.True(t, ok)

	oldest, found, err = l.OldestPending(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testStart.Add(time.Minute), oldest)
}

func killEvent(t *testing.T, l *MemoryLedger, id string) {
	t.Helper()
	ctx := context.Background()
	ev := get(t, l, id)
	ok, err := l.TryClaim(ctx, id, "killer", time.Minute, ev.Version)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.MarkDead(ctx, Claim{ID: id, Owner: "killer", Version: ev.Version + 1}, 4, "rejected")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryLedger_DeadLetters(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLedger(clock.Now)
	ctx := context.Background()

	a := insert(t, l, "a", "T")
	b := insert(t, l, "b", "T")
	insert(t, l, "c", "T")
	killEvent(t, l, a)
	killEvent(t, l, b)

	dead, err := l.ListDead(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, a, dead[0].ID)
	assert.Equal(t, b, dead[1].ID)

	page, err := l.ListDead(ctx, 10, dead[0].Seq)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b, page[0].ID)

	ev, err := l.GetDead(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "rejected", ev.LastError)

	clock.Advance(time.Hour)

	ok, err := l.Requeue(ctx, a, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ev = get(t, l, a)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Zero(t, ev.AttemptCount)
	assert.Equal(t, clock.Now(), ev.NextAttemptAt)

	_, err = l.GetDead(ctx, a)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = l.Requeue(ctx, a, clock.Now())
	require.NoError(t, err)
	assert.False(t, ok, "only DEAD rows can be requeued")
}
