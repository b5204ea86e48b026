package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes caps the payload accepted by NewEvent.
const MaxPayloadBytes = 1 << 20

type Status string

func (s Status) String() string {
	return string(s)
}

const StatusPending Status = "PENDING"
const StatusClaimed Status = "CLAIMED"
const StatusPublished Status = "PUBLISHED"
const StatusDead Status = "DEAD"

// Terminal reports whether no further delivery is attempted for the status.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusDead
}

// CreateEvent is what an upstream writer records next to its business change.
type CreateEvent struct {
	AggregateID string
	EventType   string
	Payload     []byte
}

type Event struct {
	ID            string
	AggregateID   string
	EventType     string
	Payload       []byte
	Status        Status
	AttemptCount  int
	NextAttemptAt time.Time
	LockOwner     string
	LockExpiresAt time.Time
	CreatedAt     time.Time
	LastError     string
	// Seq breaks ties between events created at the same instant.
	Seq     int64
	Version int64
}

// Claimable reports whether a lease can be taken on the event at now.
func (e *Event) Claimable(now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return true
	case StatusClaimed:
		return e.LockExpiresAt.Before(now)
	default:
		return false
	}
}

// Clone returns a deep copy so stores never hand out their own rows.
func (e *Event) Clone() *Event {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// Claim identifies a lease held on one event. Version is the row version
// written by the claim; every follow-up mutation is conditional on it.
type Claim struct {
	ID      string
	Owner   string
	Version int64
}

// NewEvent validates ce and builds a pending event ready to be inserted.
func NewEvent(ce CreateEvent, now time.Time) (*Event, error) {
	const op = "relay.NewEvent"

	aggregateID := strings.TrimSpace(ce.AggregateID)
	if aggregateID == "" {
		return nil, fmt.Errorf("%s: %w: aggregate id is required", op, ErrInvalidEvent)
	}

	eventType := strings.TrimSpace(ce.EventType)
	if eventType == "" {
		return nil, fmt.Errorf("%s: %w: event type is required", op, ErrInvalidEvent)
	}

	if len(ce.Payload) == 0 {
		return nil, fmt.Errorf("%s: %w: payload is required", op, ErrInvalidEvent)
	}

	if len(ce.Payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%s: %w: payload exceeds %d bytes", op, ErrInvalidEvent, MaxPayloadBytes)
	}

	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       append([]byte(nil), ce.Payload...),
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}
