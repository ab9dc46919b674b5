// Package pace produces politeness delays and the primitives that suspend on them.
package pace

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Kind selects which delay range to draw from.
type Kind int

const (
	// InterItem is the pause between two items of a batch (and between retry attempts).
	InterItem Kind = iota
	// PreNavigation is the shorter pause right before a page load.
	PreNavigation
)

func (k Kind) String() string {
	switch k {
	case InterItem:
		return "inter-item"
	case PreNavigation:
		return "pre-navigation"
	default:
		return "unknown"
	}
}

// Range is a closed uniform interval of durations.
type Range struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// Jitter draws randomized delays. The random source is its only state.
type Jitter struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	ranges map[Kind]Range
}

// NewJitter creates a jitter source. A nil rnd seeds one from the clock.
func NewJitter(rnd *rand.Rand, interItem, preNavigation Range) *Jitter {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Jitter{
		rnd: rnd,
		ranges: map[Kind]Range{
			InterItem:     interItem,
			PreNavigation: preNavigation,
		},
	}
}

// NextDelay returns a uniformly distributed delay for kind.
func (j *Jitter) NextDelay(kind Kind) time.Duration {
	r := j.ranges[kind]
	if r.Max <= r.Min {
		return r.Min
	}
	j.mu.Lock()
	f := j.rnd.Float64()
	j.mu.Unlock()
	return r.Min + time.Duration(f*float64(r.Max-r.Min))
}

// Sleeper suspends the caller.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// Clock sleeps on the wall clock and wakes early when ctx is done.
type Clock struct{}

// Sleep blocks for d or until ctx is cancelled.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
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

// Waiter is the delay primitive a stage applies after every processed item.
type Waiter interface {
	Wait(ctx context.Context) error
}

// WaiterFunc adapts a function to Waiter.
type WaiterFunc func(ctx context.Context) error

// Wait calls f.
func (f WaiterFunc) Wait(ctx context.Context) error { return f(ctx) }

// JitterWaiter sleeps for a fresh random delay of one kind on every call.
type JitterWaiter struct {
	Jitter  *Jitter
	Kind    Kind
	Sleeper Sleeper
}

// Wait draws a delay and sleeps on it.
func (w JitterWaiter) Wait(ctx context.Context) error {
	return w.Sleeper.Sleep(ctx, w.Jitter.NextDelay(w.Kind))
}

// RateWaiter paces calls against a request quota.
type RateWaiter struct {
	limiter *rate.Limiter
}

// NewRateWaiter allows perMinute calls per minute with no burst.
// A non-positive perMinute disables pacing.
func NewRateWaiter(perMinute float64) *RateWaiter {
	if perMinute <= 0 {
		return &RateWaiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateWaiter{limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1)}
}

// Wait blocks until the next call is allowed.
func (w *RateWaiter) Wait(ctx context.Context) error {
	return w.limiter.Wait(ctx)
}
