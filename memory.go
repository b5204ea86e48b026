package relay

import (
	"context"
	"sort"
	"sync"
	"time"
)

var (
	_ Ledger          = (*MemoryLedger)(nil)
	_ Inspector       = (*MemoryLedger)(nil)
	_ DeadLetterStore = (*MemoryLedger)(nil)
)

// MemoryLedger is an in-process Ledger. It honours the same compare-and-swap
// rules as the SQL stores, which makes it suitable for tests and for
// embedding the dispatcher in a single process.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[string]*Event
	seq  int64
	now  func() time.Time
}

func NewMemoryLedger(clock func() time.Time) *MemoryLedger {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLedger{
		rows: make(map[string]*Event),
		now:  clock,
	}
}

// Insert stores a new pending event and returns its id.
func (l *MemoryLedger) Insert(_ context.Context, ce CreateEvent) (string, error) {
	ev, err := NewEvent(ce, l.now())
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev.Seq = l.seq
	l.rows[ev.ID] = ev

	return ev.ID, nil
}

// Get returns a copy of the row with id.
func (l *MemoryLedger) Get(_ context.Context, id string) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (l *MemoryLedger) FetchEligible(_ context.Context, limit int, now time.Time) ([]*Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	heads := make(map[string]*Event)
	for _, row := range l.rows {
		if row.Status.Terminal() {
			continue
		}
		head, ok := heads[row.AggregateID]
		if !ok || before(row, head) {
			heads[row.AggregateID] = row
		}
	}

	eligible := make([]*Event, 0, len(heads))
	for _, head := range heads {
		if !head.Claimable(now) || head.NextAttemptAt.After(now) {
			continue
		}
		eligible = append(eligible, head)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return before(eligible[i], eligible[j])
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]*Event, len(eligible))
	for i, row := range eligible {
		out[i] = row.Clone()
	}
	return out, nil
}

func (l *MemoryLedger) TryClaim(_ context.Context, id, owner string, lease time.Duration, expectedVersion int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.rows[id]
	if !ok || row.Version != expectedVersion {
		return false, nil
	}

	now := l.now()
	if !row.Claimable(now) {
		return false, nil
	}

	row.Status = StatusClaimed
	row.LockOwner = owner
	row.LockExpiresAt = now.Add(lease)
	row.Version++

	return true, nil
}

func (l *MemoryLedger) MarkPublished(_ context.Context, c Claim, attempts int) (bool, error) {
	return l.resolve(c, func(row *Event) {
		row.Status = StatusPublished
		row.AttemptCount = attempts
	}), nil
}

func (l *MemoryLedger) MarkRetry(_ context.Context, c Claim, attempts int, nextAttemptAt time.Time, lastErr string) (bool, error) {
	return l.resolve(c, func(row *Event) {
		row.Status = StatusPending
		row.AttemptCount = attempts
		row.NextAttemptAt = nextAttemptAt
		row.LastError = lastErr
	}), nil
}

func (l *MemoryLedger) MarkDead(_ context.Context, c Claim, attempts int, lastErr string) (bool, error) {
	return l.resolve(c, func(row *Event) {
		row.Status = StatusDead
		row.AttemptCount = attempts
		row.LastError = lastErr
	}), nil
}

func (l *MemoryLedger) Release(_ context.Context, c Claim) (bool, error) {
	return l.resolve(c, func(row *Event) {
		row.Status = StatusPending
	}), nil
}

// resolve applies fn to the row held by c and clears the lock.
func (l *MemoryLedger) resolve(c Claim, fn func(row *Event)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.rows[c.ID]
	if !ok || row.Status != StatusClaimed || row.LockOwner != c.Owner || row.Version != c.Version {
		return false
	}

	fn(row)
	row.LockOwner = ""
	row.LockExpiresAt = time.Time{}
	row.Version++

	return true
}

func (l *MemoryLedger) OldestPending(_ context.Context) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var oldest *Event
	for _, row := range l.rows {
		if row.Status.Terminal() {
			continue
		}
		if oldest == nil || before(row, oldest) {
			oldest = row
		}
	}

	if oldest == nil {
		return time.Time{}, false, nil
	}
	return oldest.CreatedAt, true, nil
}

func (l *MemoryLedger) ListDead(_ context.Context, limit int, afterSeq int64) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dead := make([]*Event, 0)
	for _, row := range l.rows {
		if row.Status == StatusDead && row.Seq > afterSeq {
			dead = append(dead, row)
		}
	}

	sort.Slice(dead, func(i, j int) bool {
		return dead[i].Seq < dead[j].Seq
	})

	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}

	out := make([]*Event, len(dead))
	for i, row := range dead {
		out[i] = row.Clone()
	}
	return out, nil
}

func (l *MemoryLedger) GetDead(_ context.Context, id string) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.rows[id]
	if !ok || row.Status != StatusDead {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (l *MemoryLedger) Requeue(_ context.Context, id string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.rows[id]
	if !ok || row.Status != StatusDead {
		return false, nil
	}

	row.Status = StatusPending
	row.AttemptCount = 0
	row.NextAttemptAt = now
	row.LockOwner = ""
	row.LockExpiresAt = time.Time{}
	row.Version++

	return true, nil
}

func before(a, b *Event) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
