package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Sleeper suspends the caller. Implementations must return early with the
// context error when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Rand is the random source for every delay and jitter; *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type globalRand struct{}

func (globalRand) Float64() float64 {
	return rand.Float64()
}

// DefaultRand uses the process-wide math/rand/v2 source.
func DefaultRand() Rand {
	return globalRand{}
}

// Uniform returns a duration drawn uniformly from [lo, hi].
func Uniform(r Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r.Float64()*float64(hi-lo))
}

// Jitter returns base scaled by a factor drawn uniformly from [1-spread, 1+spread].
func Jitter(r Rand, base time.Duration, spread float64) time.Duration {
	factor := 1 + spread*(2*r.Float64()-1)
	return time.Duration(float64(base) * factor)
}
