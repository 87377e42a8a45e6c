// Package retry wraps network-bound calls in a bounded, rate-limit aware
// retry policy and paces consecutive post fetches.
package retry

import (
	"context"
	"time"

	"github.com/jaam8/piazza_poll_bot/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = time.Second
)

// Attempt is one try of a network-bound operation.
type Attempt func(ctx context.Context) models.VoteOutcome

// Observer is notified before every retry.
type Observer interface {
	ObserveRetry(operation string, kind models.OutcomeKind)
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(DefaultMaxDelay, c.BaseDelay)
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

type Controller struct {
	cfg      Config
	sleeper  Sleeper
	rnd      Rand
	observer Observer
	l        *zap.Logger
}

func New(cfg Config, sleeper Sleeper, rnd Rand, observer Observer, l *zap.Logger) *Controller {
	return &Controller{
		cfg:      cfg.withDefaults(),
		sleeper:  sleeper,
		rnd:      rnd,
		observer: observer,
		l:        l,
	}
}

// MaxAttempts is the configured attempt budget after defaults are applied.
func (c *Controller) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// Do runs fn until it returns a terminal outcome or maxAttempts tries are
// used up, and returns the last outcome with the number of attempts made.
// A non-positive maxAttempts uses the configured default.
func (c *Controller) Do(ctx context.Context, operation string, maxAttempts int, fn Attempt) (models.VoteOutcome, int) {
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.MaxAttempts
	}

	var outcome models.VoteOutcome
	for attempt := 1; ; attempt++ {
		outcome = fn(ctx)
		if !outcome.Retryable() || attempt >= maxAttempts {
			return outcome, attempt
		}
		if ctx.Err() != nil {
			return outcome, attempt
		}

		wait := c.Backoff(attempt, outcome)
		if outcome.Kind == models.RateLimited {
			c.l.Warn("rate limited",
				zap.String("event", "rate_limited"),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", wait))
		} else {
			c.l.Warn("transient error, retrying",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", wait),
				zap.Error(outcome.Err))
		}
		if c.observer != nil {
			c.observer.ObserveRetry(operation, outcome.Kind)
		}
		if err := c.sleeper.Sleep(ctx, wait); err != nil {
			return outcome, attempt
		}
	}
}

// Backoff is base*2^(attempt-1) capped at the max delay, plus jitter. A
// longer server retry-after hint takes precedence.
func (c *Controller) Backoff(attempt int, outcome models.VoteOutcome) time.Duration {
	wait := c.cfg.BaseDelay
	for i := 1; i < attempt && wait < c.cfg.MaxDelay; i++ {
		wait *= 2
	}
	wait = min(wait, c.cfg.MaxDelay)
	wait += Uniform(c.rnd, 0, c.cfg.Jitter)
	if outcome.RetryAfter > wait {
		wait = outcome.RetryAfter
	}
	return wait
}
