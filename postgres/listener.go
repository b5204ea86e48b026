package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const listenRetryDelay = time.Second

// Listener turns NOTIFY messages on the outbox channel into dispatcher
// wake-ups. Bursts of notifications collapse into one pending wake-up.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	log     *slog.Logger
	wake    chan struct{}
}

func NewListener(l *slog.Logger, pool *pgxpool.Pool, channel string) *Listener {
	if l == nil {
		l = slog.Default()
	}
	if channel == "" {
		channel = NotifyChannel
	}
	return &Listener{
		pool:    pool,
		channel: channel,
		log:     l,
		wake:    make(chan struct{}, 1),
	}
}

// C is meant for relay.WithWakeup.
func (ln *Listener) C() <-chan struct{} {
	return ln.wake
}

// Run listens until ctx is cancelled, reconnecting after failures.
func (ln *Listener) Run(ctx context.Context) error {
	const op = "postgres.listener.Run"

	log := ln.log.With(slog.String("op", op), slog.String("channel", ln.channel))

	for {
		err := ln.listen(ctx)
		if ctx.Err() != nil {
			log.Info("listener stopped")
			return nil
		}

		log.Warn("listen connection lost, reconnecting", slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			log.Info("listener stopped")
			return nil
		case <-time.After(listenRetryDelay):
		}
	}
}

func (ln *Listener) listen(ctx context.Context) error {
	const op = "postgres.listener.listen"

	pooled, err := ln.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%s: acquire: %w", op, err)
	}

	// a LISTEN session must never go back to the pool
	conn := pooled.Hijack()
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{ln.channel}.Sanitize()); err != nil {
		return fmt.Errorf("%s: listen: %w", op, err)
	}

	// rows inserted while we were disconnected
	ln.notify()

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		ln.notify()
	}
}

func (ln *Listener) notify() {
	select {
	case ln.wake <- struct{}{}:
	default:
	}
}
