package relay

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// BackoffPolicy maps an attempt count to the delay before the next attempt.
type BackoffPolicy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	MaxAttempts    int
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func NewBackoffPolicy(cfg Config) BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		JitterFraction: cfg.JitterFraction,
		MaxAttempts:    cfg.MaxAttempts,
	}
}

// Next returns min(BaseDelay*2^attempts, MaxDelay) spread by ±JitterFraction.
func (p BackoffPolicy) Next(attempts int) time.Duration {
	delay := exponential(p.BaseDelay, attempts)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.JitterFraction <= 0 || delay <= 0 {
		return delay
	}

	random := rand.Float64
	if p.Rand != nil {
		random = p.Rand
	}

	// r in [-1, 1)
	r := 2*random() - 1
	jittered := float64(delay) * (1 + p.JitterFraction*r)
	if jittered <= 0 {
		return 0
	}
	if jittered >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(jittered)
}

// Exhausted reports whether no attempt is left after attempts were made.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

func exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}
