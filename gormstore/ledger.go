package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedotovmax/relay"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	_ relay.Ledger          = (*Ledger)(nil)
	_ relay.Inspector       = (*Ledger)(nil)
	_ relay.DeadLetterStore = (*Ledger)(nil)
)

var liveStatuses = []string{relay.StatusPending.String(), relay.StatusClaimed.String()}

// Open connects to MySQL. The DSN must carry parseTime=true.
func Open(dsn string, maxOpenConns, maxIdleConns int) (*gorm.DB, error) {
	const op = "gormstore.Open"

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(maxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

type txKey struct{}

// WithTx makes Insert join the caller's gorm transaction.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Ledger stores outbox events through gorm. Lease expiry uses the
// application clock.
type Ledger struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

func NewLedger(l *slog.Logger, db *gorm.DB) *Ledger {
	if l == nil {
		l = slog.Default()
	}
	return &Ledger{
		db:  db,
		log: l,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// AutoMigrate creates or updates the outbox table.
func (g *Ledger) AutoMigrate(ctx context.Context) error {
	const op = "gormstore.ledger.AutoMigrate"

	if err := g.db.WithContext(ctx).AutoMigrate(&outboxEvent{}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (g *Ledger) extract(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return g.db.WithContext(ctx)
}

func (g *Ledger) Ping(ctx context.Context) error {
	const op = "gormstore.ledger.Ping"

	sqlDB, err := g.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}
	return nil
}

func (g *Ledger) Insert(ctx context.Context, ce relay.CreateEvent) (string, error) {
	const op = "gormstore.ledger.Insert"

	ev, err := relay.NewEvent(ce, g.now())
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	row := &outboxEvent{
		ID:            ev.ID,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		Payload:       ev.Payload,
		Status:        ev.Status.String(),
		NextAttemptAt: ev.NextAttemptAt,
		CreatedAt:     ev.CreatedAt,
	}

	if err := g.extract(ctx).Create(row).Error; err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	return ev.ID, nil
}

func (g *Ledger) Get(ctx context.Context, id string) (*relay.Event, error) {
	const op = "gormstore.ledger.Get"

	var row outboxEvent
	err := g.extract(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFoundOr(err))
	}

	return row.toEvent(), nil
}

func (g *Ledger) FetchEligible(ctx context.Context, limit int, now time.Time) ([]*relay.Event, error) {
	const op = "gormstore.ledger.FetchEligible"

	if limit <= 0 {
		return nil, nil
	}

	const noEarlierLive = `NOT EXISTS (
		SELECT 1 FROM outbox_events p
		WHERE p.aggregate_id = outbox_events.aggregate_id
		AND p.status IN ?
		AND (p.created_at < outbox_events.created_at
			OR (p.created_at = outbox_events.created_at AND p.seq < outbox_events.seq))
	)`

	var rows []outboxEvent

	err := g.extract(ctx).
		Where("status IN ?", liveStatuses).
		Where("(status = ? OR lock_expires_at < ?)", relay.StatusPending.String(), now).
		Where("next_attempt_at <= ?", now).
		Where(noEarlierLive, liveStatuses).
		Order("created_at, seq").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	return toEvents(rows), nil
}

func (g *Ledger) TryClaim(ctx context.Context, id, owner string, lease time.Duration, expectedVersion int64) (bool, error) {
	const op = "gormstore.ledger.TryClaim"

	now := g.now()

	result := g.extract(ctx).
		Model(&outboxEvent{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Where("(status = ? OR (status = ? AND lock_expires_at < ?))",
			relay.StatusPending.String(), relay.StatusClaimed.String(), now).
		Updates(map[string]interface{}{
			"status":          relay.StatusClaimed.String(),
			"lock_owner":      owner,
			"lock_expires_at": now.Add(lease),
			"version":         gorm.Expr("version + 1"),
		})

	return applied(op, result)
}

func (g *Ledger) MarkPublished(ctx context.Context, c relay.Claim, attempts int) (bool, error) {
	const op = "gormstore.ledger.MarkPublished"

	return g.resolve(ctx, op, c, map[string]interface{}{
		"status":        relay.StatusPublished.String(),
		"attempt_count": attempts,
	})
}

func (g *Ledger) MarkRetry(ctx context.Context, c relay.Claim, attempts int, nextAttemptAt time.Time, lastErr string) (bool, error) {
	const op = "gormstore.ledger.MarkRetry"

	return g.resolve(ctx, op, c, map[string]interface{}{
		"status":          relay.StatusPending.String(),
		"attempt_count":   attempts,
		"next_attempt_at": nextAttemptAt,
		"last_error":      lastErr,
	})
}

func (g *Ledger) MarkDead(ctx context.Context, c relay.Claim, attempts int, lastErr string) (bool, error) {
	const op = "gormstore.ledger.MarkDead"

	return g.resolve(ctx, op, c, map[string]interface{}{
		"status":        relay.StatusDead.String(),
		"attempt_count": attempts,
		"last_error":    lastErr,
	})
}

func (g *Ledger) Release(ctx context.Context, c relay.Claim) (bool, error) {
	const op = "gormstore.ledger.Release"

	return g.resolve(ctx, op, c, map[string]interface{}{
		"status": relay.StatusPending.String(),
	})
}

// resolve applies fields to the row held by c and clears its lock.
func (g *Ledger) resolve(ctx context.Context, op string, c relay.Claim, fields map[string]interface{}) (bool, error) {
	fields["lock_owner"] = nil
	fields["lock_expires_at"] = nil
	fields["version"] = gorm.Expr("version + 1")

	result := g.extract(ctx).
		Model(&outboxEvent{}).
		Where("id = ? AND status = ? AND lock_owner = ? AND version = ?",
			c.ID, relay.StatusClaimed.String(), c.Owner, c.Version).
		Updates(fields)

	return applied(op, result)
}

func (g *Ledger) OldestPending(ctx context.Context) (time.Time, bool, error) {
	const op = "gormstore.ledger.OldestPending"

	var oldest sql.NullTime

	err := g.extract(ctx).
		Model(&outboxEvent{}).
		Select("MIN(created_at)").
		Where("status IN ?", liveStatuses).
		Row().
		Scan(&oldest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	if !oldest.Valid {
		return time.Time{}, false, nil
	}

	return oldest.Time, true, nil
}

func (g *Ledger) ListDead(ctx context.Context, limit int, afterSeq int64) ([]*relay.Event, error) {
	const op = "gormstore.ledger.ListDead"

	var rows []outboxEvent

	err := g.extract(ctx).
		Where("status = ? AND seq > ?", relay.StatusDead.String(), afterSeq).
		Order("seq").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, err)
	}

	return toEvents(rows), nil
}

func (g *Ledger) GetDead(ctx context.Context, id string) (*relay.Event, error) {
	const op = "gormstore.ledger.GetDead"

	var row outboxEvent
	err := g.extract(ctx).
		Where("id = ? AND status = ?", id, relay.StatusDead.String()).
		First(&row).Error
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFoundOr(err))
	}

	return row.toEvent(), nil
}

func (g *Ledger) Requeue(ctx context.Context, id string, now time.Time) (bool, error) {
	const op = "gormstore.ledger.Requeue"

	result := g.extract(ctx).
		Model(&outboxEvent{}).
		Where("id = ? AND status = ?", id, relay.StatusDead.String()).
		Updates(map[string]interface{}{
			"status":          relay.StatusPending.String(),
			"attempt_count":   0,
			"next_attempt_at": now,
			"lock_owner":      nil,
			"lock_expires_at": nil,
			"version":         gorm.Expr("version + 1"),
		})

	return applied(op, result)
}

func applied(op string, result *gorm.DB) (bool, error) {
	if result.Error != nil {
		return false, fmt.Errorf("%s: %w: %w", op, relay.ErrLedgerUnavailable, result.Error)
	}

	var expected int64 = 1

	return result.RowsAffected == expected, nil
}

func notFoundOr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return relay.ErrNotFound
	}
	return fmt.Errorf("%w: %w", relay.ErrLedgerUnavailable, err)
}
