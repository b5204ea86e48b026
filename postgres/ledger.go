package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedotovmax/relay"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ relay.Ledger          = (*Ledger)(nil)
	_ relay.Inspector       = (*Ledger)(nil)
	_ relay.DeadLetterStore = (*Ledger)(nil)
)

// invalid_text_representation, raised for malformed uuids
const codeInvalidText = "22P02"

const eventColumns = `id, seq, aggregate_id, event_type, payload, status,
	attempt_count, next_attempt_at, lock_owner, lock_expires_at, created_at,
	last_error, version`

// Ledger stores outbox events in PostgreSQL. Lease expiry is evaluated with
// the database clock so that instances with skewed clocks agree on it.
type Ledger struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewLedger(l *slog.Logger, pool *pgxpool.Pool) *Ledger {
	if l == nil {
		l = slog.Default()
	}
	return &Ledger{
		pool: pool,
		log:  l,
	}
}

func (p *Ledger) extract(ctx context.Context) Querier {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return p.pool
}

func (p *Ledger) Ping(ctx context.Context) error {
	const op = "postgres.ledger.Ping"

	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}
	return nil
}

// Insert records a new event. Called with a context from WithTx it becomes
// part of the caller's transaction, and the wake-up notification is sent on
// commit.
func (p *Ledger) Insert(ctx context.Context, ce relay.CreateEvent) (string, error) {
	const op = "postgres.ledger.Insert"

	ev, err := relay.NewEvent(ce, time.Now())
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	q := p.extract(ctx)

	const sql = `insert into outbox_events (id, aggregate_id, event_type, payload)
	values ($1, $2, $3, $4);`

	if _, err := q.Exec(ctx, sql, ev.ID, ev.AggregateID, ev.EventType, ev.Payload); err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	const notify = `select pg_notify($1, $2);`

	if _, err := q.Exec(ctx, notify, NotifyChannel, ev.AggregateID); err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	return ev.ID, nil
}

func (p *Ledger) Get(ctx context.Context, id string) (*relay.Event, error) {
	const op = "postgres.ledger.Get"

	const sql = `select ` + eventColumns + ` from outbox_events where id = $1;`

	ev, err := scanEvent(p.extract(ctx).QueryRow(ctx, sql, id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFoundOr(err))
	}

	return ev, nil
}

func (p *Ledger) FetchEligible(ctx context.Context, limit int, now time.Time) ([]*relay.Event, error) {
	const op = "postgres.ledger.FetchEligible"

	if limit <= 0 {
		return nil, nil
	}

	const sql = `select ` + eventColumns + `
	from outbox_events e
	where e.status in ('PENDING', 'CLAIMED')
	and (e.status = 'PENDING' or e.lock_expires_at < $1)
	and e.next_attempt_at <= $1
	and not exists (
		select 1 from outbox_events p
		where p.aggregate_id = e.aggregate_id
		and p.status in ('PENDING', 'CLAIMED')
		and (p.created_at, p.seq) < (e.created_at, e.seq)
	)
	order by e.created_at, e.seq
	limit $2;`

	rows, err := p.extract(ctx).Query(ctx, sql, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	return events, nil
}

func (p *Ledger) TryClaim(ctx context.Context, id, owner string, lease time.Duration, expectedVersion int64) (bool, error) {
	const op = "postgres.ledger.TryClaim"

	const sql = `update outbox_events
	set status = 'CLAIMED', lock_owner = $2,
	lock_expires_at = now() + $3::bigint * interval '1 millisecond',
	version = version + 1
	where id = $1 and version = $4
	and (status = 'PENDING' or (status = 'CLAIMED' and lock_expires_at < now()));`

	return p.conditional(ctx, op, sql, id, owner, lease.Milliseconds(), expectedVersion)
}

func (p *Ledger) MarkPublished(ctx context.Context, c relay.Claim, attempts int) (bool, error) {
	const op = "postgres.ledger.MarkPublished"

	const sql = `update outbox_events
	set status = 'PUBLISHED', attempt_count = $4,
	lock_owner = null, lock_expires_at = null, version = version + 1
	where id = $1 and status = 'CLAIMED' and lock_owner = $2 and version = $3;`

	return p.conditional(ctx, op, sql, c.ID, c.Owner, c.Version, attempts)
}

func (p *Ledger) MarkRetry(ctx context.Context, c relay.Claim, attempts int, nextAttemptAt time.Time, lastErr string) (bool, error) {
	const op = "postgres.ledger.MarkRetry"

	const sql = `update outbox_events
	set status = 'PENDING', attempt_count = $4, next_attempt_at = $5, last_error = $6,
	lock_owner = null, lock_expires_at = null, version = version + 1
	where id = $1 and status = 'CLAIMED' and lock_owner = $2 and version = $3;`

	return p.conditional(ctx, op, sql, c.ID, c.Owner, c.Version, attempts, nextAttemptAt, lastErr)
}

func (p *Ledger) MarkDead(ctx context.Context, c relay.Claim, attempts int, lastErr string) (bool, error) {
	const op = "postgres.ledger.MarkDead"

	const sql = `update outbox_events
	set status = 'DEAD', attempt_count = $4, last_error = $5,
	lock_owner = null, lock_expires_at = null, version = version + 1
	where id = $1 and status = 'CLAIMED' and lock_owner = $2 and version = $3;`

	return p.conditional(ctx, op, sql, c.ID, c.Owner, c.Version, attempts, lastErr)
}

func (p *Ledger) Release(ctx context.Context, c relay.Claim) (bool, error) {
	const op = "postgres.ledger.Release"

	const sql = `update outbox_events
	set status = 'PENDING', lock_owner = null, lock_expires_at = null, version = version + 1
	where id = $1 and status = 'CLAIMED' and lock_owner = $2 and version = $3;`

	return p.conditional(ctx, op, sql, c.ID, c.Owner, c.Version)
}

func (p *Ledger) OldestPending(ctx context.Context) (time.Time, bool, error) {
	const op = "postgres.ledger.OldestPending"

	const sql = `select min(created_at) from outbox_events
	where status in ('PENDING', 'CLAIMED');`

	var oldest *time.Time

	if err := p.extract(ctx).QueryRow(ctx, sql).Scan(&oldest); err != nil {
		return time.Time{}, false, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	if oldest == nil {
		return time.Time{}, false, nil
	}

	return *oldest, true, nil
}

func (p *Ledger) ListDead(ctx context.Context, limit int, afterSeq int64) ([]*relay.Event, error) {
	const op = "postgres.ledger.ListDead"

	const sql = `select ` + eventColumns + `
	from outbox_events
	where status = 'DEAD' and seq > $1
	order by seq
	limit $2;`

	rows, err := p.extract(ctx).Query(ctx, sql, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	return events, nil
}

func (p *Ledger) GetDead(ctx context.Context, id string) (*relay.Event, error) {
	const op = "postgres.ledger.GetDead"

	const sql = `select ` + eventColumns + `
	from outbox_events where id = $1 and status = 'DEAD';`

	ev, err := scanEvent(p.extract(ctx).QueryRow(ctx, sql, id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFoundOr(err))
	}

	return ev, nil
}

func (p *Ledger) Requeue(ctx context.Context, id string, now time.Time) (bool, error) {
	const op = "postgres.ledger.Requeue"

	const sql = `update outbox_events
	set status = 'PENDING', attempt_count = 0, next_attempt_at = $2,
	lock_owner = null, lock_expires_at = null, version = version + 1
	where id = $1 and status = 'DEAD';`

	ok, err := p.conditional(ctx, op, sql, id, now)
	if err != nil && isInvalidText(err) {
		return false, nil
	}
	return ok, err
}

// conditional runs a compare-and-swap update and reports whether it won.
func (p *Ledger) conditional(ctx context.Context, op, sql string, args ...any) (bool, error) {
	result, err := p.extract(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	var expected int64 = 1

	return result.RowsAffected() == expected, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*relay.Event, error) {
	var (
		e             relay.Event
		status        string
		lockOwner     *string
		lockExpiresAt *time.Time
		lastError     *string
	)

	err := row.Scan(&e.ID, &e.Seq, &e.AggregateID, &e.EventType, &e.Payload, &status,
		&e.AttemptCount, &e.NextAttemptAt, &lockOwner, &lockExpiresAt, &e.CreatedAt,
		&lastError, &e.Version)
	if err != nil {
		return nil, err
	}

	e.Status = relay.Status(status)
	if lockOwner != nil {
		e.LockOwner = *lockOwner
	}
	if lockExpiresAt != nil {
		e.LockExpiresAt = *lockExpiresAt
	}
	if lastError != nil {
		e.LastError = *lastError
	}

	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*relay.Event, error) {
	defer rows.Close()

	var events []*relay.Event

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

func notFoundOr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return relay.ErrNotFound
	}
	return fmt.Errorf("%w: %w", relay.ErrLedgerUnavailable, err)
}

func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeInvalidText
}
