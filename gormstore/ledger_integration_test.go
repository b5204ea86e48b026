//go:build integration

package gormstore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fedotovmax/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
)

func setupMySQL(t *testing.T) *Ledger {
	t.Helper()

	ctx := context.Background()

	container, err := tcmysql.Run(ctx,
		"mysql:8.0",
		tcmysql.WithDatabase("relay"),
		tcmysql.WithUsername("relay"),
		tcmysql.WithPassword("relay"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "loc=UTC")
	require.NoError(t, err)

	db, err := Open(dsn, 10, 5)
	require.NoError(t, err)

	ledger := NewLedger(slog.New(slog.NewTextHandler(io.Discard, nil)), db)
	require.NoError(t, ledger.AutoMigrate(ctx))

	return ledger
}

func TestIntegration_Ledger_ClaimAndResolve(t *testing.T) {
	ledger := setupMySQL(t)
	ctx := context.Background()

	first, err := ledger.Insert(ctx, relay.CreateEvent{AggregateID: "acc-1", EventType: "Opened", Payload: []byte(`{}`)})
	require.NoError(t, err)
	second, err := ledger.Insert(ctx, relay.CreateEvent{AggregateID: "acc-1", EventType: "Deposited", Payload: []byte(`{}`)})
	require.NoError(t, err)

	now := time.Now().Add(time.Second)

	events, err := ledger.FetchEligible(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, first, events[0].ID)

	ok, err := ledger.TryClaim(ctx, first, "one", time.Minute, events[0].Version)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.TryClaim(ctx, first, "two", time.Minute, events[0].Version)
	require.NoError(t, err)
	assert.False(t, ok)

	claim := relay.Claim{ID: first, Owner: "one", Version: events[0].Version + 1}

	ok, err = ledger.MarkRetry(ctx, claim, 1, now, "timeout")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.MarkPublished(ctx, claim, 1)
	require.NoError(t, err)
	assert.False(t, ok, "claim already resolved")

	ev, err := ledger.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, relay.StatusPending, ev.Status)
	assert.Equal(t, "timeout", ev.LastError)

	events, err = ledger.FetchEligible(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, first, events[0].ID, "retrying head still blocks %s", second)
}

func TestIntegration_Ledger_DeadLetters(t *testing.T) {
	ledger := setupMySQL(t)
	ctx := context.Background()

	id, err := ledger.Insert(ctx, relay.CreateEvent{AggregateID: "acc-1", EventType: "Opened", Payload: []byte(`{}`)})
	require.NoError(t, err)

	ok, err := ledger.TryClaim(ctx, id, "one", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.MarkDead(ctx, relay.Claim{ID: id, Owner: "one", Version: 1}, 1, "rejected")
	require.NoError(t, err)
	require.True(t, ok)

	dead, err := ledger.ListDead(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	_, found, err := ledger.OldestPending(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = ledger.Requeue(ctx, id, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = ledger.GetDead(ctx, id)
	assert.ErrorIs(t, err, relay.ErrNotFound)
}
