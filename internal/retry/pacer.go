package retry

import (
	"context"
	"time"
)

const (
	DefaultPaceMin = 700 * time.Millisecond
	DefaultPaceMax = 900 * time.Millisecond
)

// Pacer enforces a fixed courtesy gap between consecutive post fetches,
// whatever their outcome. The first fetch is never delayed.
type Pacer struct {
	sleeper Sleeper
	rnd     Rand
	min     time.Duration
	max     time.Duration
	started bool
}

func NewPacer(sleeper Sleeper, rnd Rand, min, max time.Duration) *Pacer {
	return &Pacer{
		sleeper: sleeper,
		rnd:     rnd,
		min:     min,
		max:     max,
	}
}

func (p *Pacer) Wait(ctx context.Context) error {
	if !p.started {
		p.started = true
		return ctx.Err()
	}
	return p.sleeper.Sleep(ctx, Uniform(p.rnd, p.min, p.max))
}
