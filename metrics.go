package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	EventsPublished prometheus.Counter
	EventsRetried   prometheus.Counter
	EventsDead      prometheus.Counter
	ClaimConflicts  prometheus.Counter
	EventsReleased  prometheus.Counter
	CycleErrors     prometheus.Counter
	StoreErrors     prometheus.Counter
	Replays         prometheus.Counter

	CycleDuration    prometheus.Histogram
	BatchSize        prometheus.Gauge
	OldestPendingAge prometheus.Gauge
	PublishByOutcome *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg registers nothing,
// which keeps tests free from global state.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of outbox events marked published",
		}),
		EventsRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_retried_total",
			Help:      "Total number of outbox events rescheduled after a retryable failure",
		}),
		EventsDead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_total",
			Help:      "Total number of outbox events moved to the dead-letter state",
		}),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Total number of claims or updates lost to another writer",
		}),
		EventsReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_released_total",
			Help:      "Total number of claimed events released on shutdown",
		}),
		CycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Total number of dispatch cycles aborted because the ledger was unavailable",
		}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of per-event ledger writes that failed",
		}),
		Replays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_replays_total",
			Help:      "Total number of dead events requeued by an operator",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one dispatch cycle",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		BatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_batch_size",
			Help:      "Number of eligible events fetched by the last cycle",
		}),
		OldestPendingAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oldest_pending_age_seconds",
			Help:      "Age of the oldest event not yet published or dead-lettered",
		}),
		PublishByOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Broker publish attempts by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeCycle(res CycleResult, took time.Duration) {
	m.CycleDuration.Observe(took.Seconds())
	m.BatchSize.Set(float64(res.Fetched))
	m.EventsPublished.Add(float64(res.Published))
	m.EventsRetried.Add(float64(res.Retried))
	m.EventsDead.Add(float64(res.Dead))
	m.ClaimConflicts.Add(float64(res.Conflicts))
	m.EventsReleased.Add(float64(res.Released))
	m.StoreErrors.Add(float64(res.StoreErrors))
}
