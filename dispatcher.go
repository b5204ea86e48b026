package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fedotovmax/workerpool"
)

// maxLastErrorLen bounds the broker error text stored on a row.
const maxLastErrorLen = 2048

// CycleResult counts what one dispatch cycle did.
type CycleResult struct {
	Fetched     int
	Claimed     int
	Conflicts   int
	Published   int
	Retried     int
	Dead        int
	Released    int
	StoreErrors int
}

func (r *CycleResult) add(o CycleResult) {
	r.Fetched += o.Fetched
	r.Claimed += o.Claimed
	r.Conflicts += o.Conflicts
	r.Published += o.Published
	r.Retried += o.Retried
	r.Dead += o.Dead
	r.Released += o.Released
	r.StoreErrors += o.StoreErrors
}

type Option func(*Dispatcher)

// WithWakeup lets a notification source cut the poll interval short.
func WithWakeup(ch <-chan struct{}) Option {
	return func(d *Dispatcher) {
		d.wakeup = ch
	}
}

func WithRetryClassifier(c RetryClassifier) Option {
	return func(d *Dispatcher) {
		d.classifier = c
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithRandom replaces the jitter source of the backoff policy.
func WithRandom(fn func() float64) Option {
	return func(d *Dispatcher) {
		d.policy.Rand = fn
	}
}

// Dispatcher moves eligible ledger events to the broker.
type Dispatcher struct {
	ledger     Ledger
	broker     Broker
	leases     *LeaseManager
	policy     BackoffPolicy
	classifier RetryClassifier
	metrics    *Metrics
	wakeup     <-chan struct{}
	now        func() time.Time
	log        *slog.Logger
	cfg        Config

	started   int32
	inProcess int32
	ctx       context.Context
	stop      context.CancelFunc
	isStopped chan struct{}
}

func New(l *slog.Logger, ledger Ledger, broker Broker, cfg Config, opts ...Option) (*Dispatcher, error) {
	const op = "relay.dispatcher.New"

	if ledger == nil {
		return nil, fmt.Errorf("%s: %w: ledger is required", op, ErrInvalidConfig)
	}

	if broker == nil {
		return nil, fmt.Errorf("%s: %w: broker is required", op, ErrInvalidConfig)
	}

	if l == nil {
		l = slog.Default()
	}

	validateConfig(&cfg)

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		ledger:    ledger,
		broker:    broker,
		policy:    NewBackoffPolicy(cfg),
		metrics:   NewMetrics("relay", nil),
		now:       time.Now,
		log:       l.With(slog.String("owner", cfg.OwnerID)),
		cfg:       cfg,
		ctx:       ctx,
		stop:      cancel,
		isStopped: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.leases = NewLeaseManager(ledger, cfg.OwnerID, cfg.LeaseDuration)
	d.leases.now = d.now

	return d, nil
}

func (d *Dispatcher) Owner() string {
	return d.cfg.OwnerID
}

// Config returns the effective configuration after clamping.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

func (d *Dispatcher) Start() error {
	const op = "relay.dispatcher.Start"

	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return fmt.Errorf("%s: %w", op, ErrAlreadyStarted)
	}

	wg := &sync.WaitGroup{}

	d.processingEvents(wg)

	go func() {
		wg.Wait()
		close(d.isStopped)
	}()

	return nil
}

// Stop stops claiming new events, waits for in-flight publishes to be
// recorded and releases claims that were never published.
func (d *Dispatcher) Stop(ctx context.Context) error {
	const op = "relay.dispatcher.Stop"

	log := d.log.With(slog.String("op", op))

	if atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		d.stop()
		close(d.isStopped)
		return nil
	}

	d.stop()

	select {
	case <-d.isStopped:
		log.Info("dispatcher stopped successfully")
		return nil
	case <-ctx.Done():
		log.Warn("dispatcher stopped by context")
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (d *Dispatcher) processingEvents(wg *sync.WaitGroup) {
	const op = "relay.dispatcher.processingEvents"

	log := d.log.With(slog.String("op", op))

	wakeup := d.wakeup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()

		_, _ = d.RunCycle(d.ctx)

		for {
			select {
			case <-d.ctx.Done():
				log.Info("event dispatching stopped")
				return
			case <-ticker.C:
			case _, ok := <-wakeup:
				if !ok {
					wakeup = nil
					continue
				}
			}
			if d.ctx.Err() != nil {
				continue
			}
			_, _ = d.RunCycle(d.ctx)
		}
	}()
}

// RunCycle performs one fetch, claim, publish and reconcile pass. Cancelling
// ctx stops further claims; publishes already started are still recorded.
// The returned error is non-nil only when the ledger could not be read.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	const op = "relay.dispatcher.RunCycle"

	log := d.log.With(slog.String("op", op))

	var res CycleResult

	if !atomic.CompareAndSwapInt32(&d.inProcess, 0, 1) {
		log.Debug("skip cycle, previous cycle still running")
		return res, nil
	}
	defer atomic.StoreInt32(&d.inProcess, 0)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}

	start := time.Now()

	fetchCtx, cancelFetchCtx := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	events, err := d.ledger.FetchEligible(fetchCtx, d.cfg.BatchSize, d.now())
	cancelFetchCtx()

	if err != nil {
		d.metrics.CycleErrors.Inc()
		log.Error("fetch eligible events failed", slog.String("error", err.Error()))
		return res, fmt.Errorf("%s: %w: %w", op, ErrLedgerUnavailable, err)
	}

	res.Fetched = len(events)

	if len(events) > 0 {
		res.add(d.dispatch(ctx, groupByAggregate(events)))
	}

	d.observe(ctx, res, time.Since(start))

	attrs := []any{
		slog.Int("fetched", res.Fetched),
		slog.Int("published", res.Published),
		slog.Int("retried", res.Retried),
		slog.Int("dead", res.Dead),
		slog.Int("conflicts", res.Conflicts),
		slog.Int("released", res.Released),
		slog.Int("store_errors", res.StoreErrors),
	}

	if res.Fetched == 0 {
		log.Debug("skip processing, no eligible events")
	} else {
		log.Info("cycle finished", attrs...)
	}

	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, groups [][]*Event) CycleResult {
	const op = "relay.dispatcher.dispatch"

	log := d.log.With(slog.String("op", op))

	groupsCh := make(chan []*Event, len(groups))
	for i := 0; i < len(groups); i++ {
		groupsCh <- groups[i]
	}
	close(groupsCh)

	var (
		mu    sync.Mutex
		total CycleResult
	)

	// Workers outlive ctx so that claimed rows are always reconciled.
	workerPoolCtx, workerPoolCtxCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workerPoolCtxCancel()

	results := workerpool.Workerpool(workerPoolCtx, groupsCh, d.cfg.Workers,
		func(group []*Event) error {
			res, err := d.dispatchGroup(ctx, group)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			return err
		})

	for err := range results {
		if err != nil {
			log.Warn("aggregate dispatch interrupted", slog.String("error", err.Error()))
		}
	}

	return total
}

// dispatchGroup handles the events of one aggregate strictly in order.
// Ledgers hand out only the head of each aggregate, so a group usually holds
// a single event. A ledger that returns more gets them walked in order, up to
// the first event that has to wait for a retry.
func (d *Dispatcher) dispatchGroup(ctx context.Context, group []*Event) (CycleResult, error) {
	var res CycleResult

	for _, ev := range group {
		if ctx.Err() != nil {
			return res, nil
		}

		next, err := d.dispatchOne(ctx, ev, &res)
		if err != nil {
			return res, err
		}
		if !next {
			return res, nil
		}
	}

	return res, nil
}

// dispatchOne reports whether the next event of the same aggregate may follow.
func (d *Dispatcher) dispatchOne(ctx context.Context, ev *Event, res *CycleResult) (bool, error) {
	const op = "relay.dispatcher.dispatchOne"

	log := d.log.With(
		slog.String("op", op),
		slog.String("event_id", ev.ID),
		slog.String("aggregate_id", ev.AggregateID),
	)

	claimCtx, cancelClaimCtx := d.storeContext(ctx)
	claim, ok, err := d.leases.Claim(claimCtx, ev)
	cancelClaimCtx()

	if err != nil {
		res.StoreErrors++
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if !ok {
		res.Conflicts++
		log.Debug("event already claimed by another owner")
		return false, nil
	}

	res.Claimed++

	if ctx.Err() != nil {
		d.release(ctx, claim, res, log)
		return false, nil
	}

	attempts := ev.AttemptCount + 1

	pubErr := d.publish(ctx, ev)
	outcome := d.classify(pubErr)

	d.metrics.PublishByOutcome.WithLabelValues(outcome.String()).Inc()

	storeCtx, cancelStoreCtx := d.storeContext(ctx)
	defer cancelStoreCtx()

	var applied bool

	switch {
	case outcome == Delivered:
		applied, err = d.ledger.MarkPublished(storeCtx, claim, attempts)
		if err == nil && applied {
			res.Published++
			log.Info("event published", slog.Int("attempts", attempts))
		}
	case outcome == FatalFailure || d.policy.Exhausted(attempts):
		applied, err = d.ledger.MarkDead(storeCtx, claim, attempts, lastError(pubErr))
		if err == nil && applied {
			res.Dead++
			log.Error("event dead-lettered",
				slog.String("outcome", outcome.String()),
				slog.Int("attempts", attempts),
				slog.String("error", pubErr.Error()))
		}
	default:
		delay := d.policy.Next(attempts)
		applied, err = d.ledger.MarkRetry(storeCtx, claim, attempts, d.now().Add(delay), lastError(pubErr))
		if err == nil && applied {
			res.Retried++
			log.Warn("event publish failed, retry scheduled",
				slog.Int("attempts", attempts),
				slog.Duration("delay", delay),
				slog.String("error", fmt.Errorf("%w: %w", ErrRetryableDelivery, pubErr).Error()))
		}
	}

	if err != nil {
		res.StoreErrors++
		log.Error("record publish outcome failed, lease will expire",
			slog.String("outcome", outcome.String()),
			slog.String("error", err.Error()))
		return false, fmt.Errorf("%s: event_id: %s: %w: %w", op, ev.ID, ErrLedgerUnavailable, err)
	}

	if !applied {
		res.Conflicts++
		log.Debug("lease lost before outcome was recorded", slog.String("outcome", outcome.String()))
		return false, nil
	}

	return outcome != RetryableFailure || d.policy.Exhausted(attempts), nil
}

func (d *Dispatcher) publish(ctx context.Context, ev *Event) error {
	publishCtx, cancelPublishCtx := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PublishTimeout)
	defer cancelPublishCtx()
	return d.broker.Publish(publishCtx, messageFor(ev))
}

func (d *Dispatcher) classify(err error) Outcome {
	outcome := Classify(err)
	if outcome == RetryableFailure && d.classifier != nil && d.classifier.IsNonRetryable(err) {
		return FatalFailure
	}
	return outcome
}

func (d *Dispatcher) release(ctx context.Context, c Claim, res *CycleResult, log *slog.Logger) {
	storeCtx, cancelStoreCtx := d.storeContext(ctx)
	defer cancelStoreCtx()

	err := d.leases.Release(storeCtx, c)
	if err != nil {
		if errors.Is(err, ErrClaimConflict) {
			res.Conflicts++
			log.Debug("claim lost before release")
			return
		}
		res.StoreErrors++
		log.Error("release claim failed, lease will expire", slog.String("error", err.Error()))
		return
	}

	res.Released++
	log.Info("claim released on shutdown")
}

// storeContext is detached from shutdown so that outcomes are always written.
func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
}

func (d *Dispatcher) observe(ctx context.Context, res CycleResult, took time.Duration) {
	const op = "relay.dispatcher.observe"

	d.metrics.observeCycle(res, took)

	inspector, ok := d.ledger.(Inspector)
	if !ok {
		return
	}

	storeCtx, cancelStoreCtx := d.storeContext(ctx)
	defer cancelStoreCtx()

	oldest, found, err := inspector.OldestPending(storeCtx)
	if err != nil {
		d.log.Warn("read oldest pending event failed",
			slog.String("op", op), slog.String("error", err.Error()))
		return
	}

	if !found {
		d.metrics.OldestPendingAge.Set(0)
		return
	}

	age := d.now().Sub(oldest)
	if age < 0 {
		age = 0
	}
	d.metrics.OldestPendingAge.Set(age.Seconds())
}

func groupByAggregate(events []*Event) [][]*Event {
	index := make(map[string]int, len(events))
	groups := make([][]*Event, 0, len(events))

	for _, ev := range events {
		i, ok := index[ev.AggregateID]
		if !ok {
			i = len(groups)
			index[ev.AggregateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}

	return groups
}

// lastError turns a broker error into text every ledger column accepts:
// valid UTF-8, no NUL bytes, cut on a rune boundary.
func lastError(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.ToValidUTF8(err.Error(), "\uFFFD")
	msg = strings.ReplaceAll(msg, "\x00", "")

	if len(msg) > maxLastErrorLen {
		n := maxLastErrorLen
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}

	return msg
}
