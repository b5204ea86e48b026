package gormstore

import (
	"time"

	"github.com/fedotovmax/relay"
)

type outboxEvent struct {
	ID            string     `gorm:"primaryKey;type:char(36)"`
	Seq           int64      `gorm:"autoIncrement;uniqueIndex;not null"`
	AggregateID   string     `gorm:"type:varchar(255);not null;index:idx_outbox_events_aggregate,priority:1"`
	EventType     string     `gorm:"type:varchar(255);not null"`
	Payload       []byte     `gorm:"type:longblob;not null"`
	Status        string     `gorm:"type:varchar(16);not null;index:idx_outbox_events_due,priority:1"`
	AttemptCount  int        `gorm:"not null;default:0"`
	NextAttemptAt time.Time  `gorm:"type:datetime(6);not null;index:idx_outbox_events_due,priority:2"`
	LockOwner     *string    `gorm:"type:varchar(255)"`
	LockExpiresAt *time.Time `gorm:"type:datetime(6)"`
	CreatedAt     time.Time  `gorm:"type:datetime(6);not null;index:idx_outbox_events_aggregate,priority:2"`
	LastError     *string    `gorm:"type:text"`
	Version       int64      `gorm:"not null;default:0"`
}

func (outboxEvent) TableName() string {
	return "outbox_events"
}

func (m *outboxEvent) toEvent() *relay.Event {
	e := &relay.Event{
		ID:            m.ID,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Payload:       m.Payload,
		Status:        relay.Status(m.Status),
		AttemptCount:  m.AttemptCount,
		NextAttemptAt: m.NextAttemptAt,
		CreatedAt:     m.CreatedAt,
		Seq:           m.Seq,
		Version:       m.Version,
	}
	if m.LockOwner != nil {
		e.LockOwner = *m.LockOwner
	}
	if m.LockExpiresAt != nil {
		e.LockExpiresAt = *m.LockExpiresAt
	}
	if m.LastError != nil {
		e.LastError = *m.LastError
	}
	return e
}

func toEvents(rows []outboxEvent) []*relay.Event {
	events := make([]*relay.Event, len(rows))
	for i := range rows {
		events[i] = rows[i].toEvent()
	}
	return events
}
