package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type GuardConfig struct {
	Name string
	// Requests let through while half-open
	MaxRequests uint32
	// Cyclic period of the closed state for clearing counts, 0 = never
	Interval time.Duration
	// How long the breaker stays open before probing again
	Timeout time.Duration
	// Consecutive retryable failures that open the breaker
	ConsecutiveFailures uint32
	// Publishes per second, 0 = unlimited
	RatePerSecond float64
	Burst         int
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Name:                "broker",
		MaxRequests:         1,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// GuardedBroker fronts a Broker with a circuit breaker and a rate limiter.
// Only retryable failures count against the breaker: a fatal rejection says
// nothing about broker health.
type GuardedBroker struct {
	next    Broker
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     *slog.Logger
}

func Guard(l *slog.Logger, next Broker, cfg GuardConfig) *GuardedBroker {
	if l == nil {
		l = slog.Default()
	}

	defaults := DefaultGuardConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}

	g := &GuardedBroker{
		next: next,
		log:  l,
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return Classify(err) != RetryableFailure
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.log.Warn("broker circuit state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return g
}

func (g *GuardedBroker) Publish(ctx context.Context, msg Message) error {
	const op = "relay.guard.Publish"

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w: %w", op, ErrRetryableDelivery, err)
		}
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.next.Publish(ctx, msg)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", op, ErrRetryableDelivery, err)
	}

	return err
}

// State returns the breaker state name: closed, half-open or open.
func (g *GuardedBroker) State() string {
	return g.breaker.State().String()
}
