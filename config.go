package relay

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	// How long to sleep between cycles when nothing wakes the loop earlier.
	PollInterval time.Duration
	// Max events fetched per cycle, min = 1, max = 1000
	BatchSize int
	// Lease taken on every claimed event. Never shorter than
	// PublishTimeout + StoreTimeout.
	LeaseDuration time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// Attempts before an event is dead-lettered, min = 1
	MaxAttempts int
	// Relative jitter applied to every backoff delay, 0..1
	JitterFraction float64
	// Identity written into lock_owner. Generated when empty.
	OwnerID string
	// Aggregates dispatched concurrently inside one cycle, min = 1, max = 64
	Workers int
	// Upper bound for one broker publish
	PublishTimeout time.Duration
	// Upper bound for one ledger round trip
	StoreTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		BatchSize:      100,
		LeaseDuration:  30 * time.Second,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       5 * time.Minute,
		MaxAttempts:    10,
		JitterFraction: 0.2,
		Workers:        8,
		PublishTimeout: 10 * time.Second,
		StoreTimeout:   5 * time.Second,
	}
}

func validateConfig(cfg *Config) {
	const minBatch = 1
	const maxBatch = 1000

	const minWorkers = 1
	const maxWorkers = 64

	const minInterval = 10 * time.Millisecond

	const minTimeout = 50 * time.Millisecond

	defaults := DefaultConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.PollInterval < minInterval {
		cfg.PollInterval = minInterval
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BatchSize < minBatch {
		cfg.BatchSize = minBatch
	}
	if cfg.BatchSize > maxBatch {
		cfg.BatchSize = maxBatch
	}

	if cfg.Workers == 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Workers < minWorkers {
		cfg.Workers = minWorkers
	}
	if cfg.Workers > maxWorkers {
		cfg.Workers = maxWorkers
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.PublishTimeout < minTimeout {
		cfg.PublishTimeout = minTimeout
	}

	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaults.StoreTimeout
	}
	if cfg.StoreTimeout < minTimeout {
		cfg.StoreTimeout = minTimeout
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}
	if minLease := cfg.PublishTimeout + cfg.StoreTimeout; cfg.LeaseDuration < minLease {
		cfg.LeaseDuration = minLease
	}

	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if math.IsNaN(cfg.JitterFraction) || cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.JitterFraction > 1 {
		cfg.JitterFraction = 1
	}

	if cfg.OwnerID == "" {
		cfg.OwnerID = generateOwnerID()
	}
}

func generateOwnerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "relay"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}
