package relay

import (
	"context"
	"fmt"
	"time"
)

// LeaseManager hands out single-owner, time-bounded claims on ledger rows.
// Expired leases are never swept: the next poll simply claims them again.
type LeaseManager struct {
	ledger   Ledger
	owner    string
	duration time.Duration
	now      func() time.Time
}

func NewLeaseManager(ledger Ledger, owner string, duration time.Duration) *LeaseManager {
	return &LeaseManager{
		ledger:   ledger,
		owner:    owner,
		duration: duration,
		now:      time.Now,
	}
}

func (m *LeaseManager) Owner() string {
	return m.owner
}

// Claim leases ev to this manager's owner. It returns false without an error
// when the row is held by someone else or changed since it was fetched.
func (m *LeaseManager) Claim(ctx context.Context, ev *Event) (Claim, bool, error) {
	const op = "relay.lease.Claim"

	if !ev.Claimable(m.now()) {
		return Claim{}, false, nil
	}

	ok, err := m.ledger.TryClaim(ctx, ev.ID, m.owner, m.duration, ev.Version)
	if err != nil {
		return Claim{}, false, fmt.Errorf("%s: event_id: %s: %w: %w", op, ev.ID, ErrLedgerUnavailable, err)
	}

	if !ok {
		return Claim{}, false, nil
	}

	return Claim{ID: ev.ID, Owner: m.owner, Version: ev.Version + 1}, true, nil
}

// Release gives the row back immediately instead of waiting for expiry.
func (m *LeaseManager) Release(ctx context.Context, c Claim) error {
	const op = "relay.lease.Release"

	ok, err := m.ledger.Release(ctx, c)
	if err != nil {
		return fmt.Errorf("%s: event_id: %s: %w: %w", op, c.ID, ErrLedgerUnavailable, err)
	}

	if !ok {
		return fmt.Errorf("%s: event_id: %s: %w", op, c.ID, ErrClaimConflict)
	}

	return nil
}
