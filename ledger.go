package relay

import (
	"context"
	"time"
)

// Ledger is the durable store of outbox events.
//
// Every mutation is a compare-and-swap on the row: when the row no longer
// matches what the caller observed the call returns false and a nil error.
// A non-nil error always means the store itself could not be reached.
type Ledger interface {
	// FetchEligible returns up to limit claimable events ordered by creation.
	// Only the earliest non-terminal event of each aggregate is returned, and
	// only when it is PENDING (or CLAIMED with an expired lease) and due at now.
	FetchEligible(ctx context.Context, limit int, now time.Time) ([]*Event, error)
	// TryClaim leases the event to owner for lease when its version still
	// equals expectedVersion. The row version is incremented on success.
	TryClaim(ctx context.Context, id, owner string, lease time.Duration, expectedVersion int64) (bool, error)
	MarkPublished(ctx context.Context, c Claim, attempts int) (bool, error)
	MarkRetry(ctx context.Context, c Claim, attempts int, nextAttemptAt time.Time, lastErr string) (bool, error)
	MarkDead(ctx context.Context, c Claim, attempts int, lastErr string) (bool, error)
	// Release returns a claimed event to PENDING without touching its attempts.
	Release(ctx context.Context, c Claim) (bool, error)
}

// Inspector is implemented by ledgers that can report backlog health.
type Inspector interface {
	// OldestPending returns the creation time of the oldest non-terminal event.
	OldestPending(ctx context.Context) (time.Time, bool, error)
}

// DeadLetterStore exposes DEAD events for operator triage.
type DeadLetterStore interface {
	// ListDead returns up to limit DEAD events with Seq greater than afterSeq.
	ListDead(ctx context.Context, limit int, afterSeq int64) ([]*Event, error)
	GetDead(ctx context.Context, id string) (*Event, error)
	// Requeue moves a DEAD event back to PENDING with a zero attempt count.
	Requeue(ctx context.Context, id string, now time.Time) (bool, error)
}
