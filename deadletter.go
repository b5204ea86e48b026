package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultDeadLetterPage = 50
const maxDeadLetterPage = 500

// DeadLetterSink is the operator view of events that exhausted their retries
// or were rejected by the broker. Nothing in it runs automatically.
type DeadLetterSink struct {
	store   DeadLetterStore
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewDeadLetterSink(l *slog.Logger, store DeadLetterStore, m *Metrics) *DeadLetterSink {
	if l == nil {
		l = slog.Default()
	}
	if m == nil {
		m = NewMetrics("relay", nil)
	}
	return &DeadLetterSink{
		store:   store,
		log:     l,
		metrics: m,
		now:     time.Now,
	}
}

// List returns a page of dead events. Pass the Seq of the last event of the
// previous page as afterSeq to continue.
func (s *DeadLetterSink) List(ctx context.Context, limit int, afterSeq int64) ([]*Event, error) {
	const op = "relay.deadletter.List"

	if limit <= 0 {
		limit = defaultDeadLetterPage
	}
	if limit > maxDeadLetterPage {
		limit = maxDeadLetterPage
	}

	events, err := s.store.ListDead(ctx, limit, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrLedgerUnavailable, err)
	}

	return events, nil
}

func (s *DeadLetterSink) Get(ctx context.Context, id string) (*Event, error) {
	const op = "relay.deadletter.Get"

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	ev, err := s.store.GetDead(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s: event_id: %s: %w", op, id, err)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, ErrLedgerUnavailable, err)
	}

	return ev, nil
}

// Replay puts a dead event back in line with a fresh retry budget.
func (s *DeadLetterSink) Replay(ctx context.Context, id string) error {
	const op = "relay.deadletter.Replay"

	log := s.log.With(slog.String("op", op), slog.String("event_id", id))

	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	ok, err := s.store.Requeue(ctx, id, s.now())
	if err != nil {
		log.Error("requeue dead event failed", slog.String("error", err.Error()))
		return fmt.Errorf("%s: %w: %w", op, ErrLedgerUnavailable, err)
	}

	if !ok {
		return fmt.Errorf("%s: event_id: %s: %w", op, id, ErrNotFound)
	}

	s.metrics.Replays.Inc()
	log.Info("dead event requeued")

	return nil
}
