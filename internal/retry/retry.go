// Package retry wraps fallible calls in bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/logging"
	"github.com/TobiSchelling/trizwire/internal/pace"
)

// Class is the retry-relevant category of an error.
type Class int

const (
	// Fatal errors are never retried.
	Fatal Class = iota
	// Transient errors are expected to go away on a later attempt.
	Transient
	// Structural errors mean the target no longer looks the way we expect.
	Structural
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Structural:
		return "structural"
	default:
		return "fatal"
	}
}

// Classifier maps an error to its Class.
type Classifier func(error) Class

// ErrExhausted marks the error returned once attempts or the time budget run out.
var ErrExhausted = errors.New("retries exhausted")

// Policy bounds one retried call.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Multiplier      float64       `yaml:"multiplier"`
	Budget          time.Duration `yaml:"budget"`
	RetryStructural bool          `yaml:"retry_structural"`
}

// DefaultPolicy returns 3 attempts within 5 minutes, backing off from 1s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		Multiplier:      2,
		Budget:          5 * time.Minute,
		RetryStructural: true,
	}
}

// Backoff returns the delay before the given retry (1 = first retry).
func (p Policy) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < retry; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) retryable(c Class) bool {
	switch c {
	case Transient:
		return true
	case Structural:
		return p.RetryStructural
	default:
		return false
	}
}

// State describes one retried call. It lives only as long as the call.
type State struct {
	Attempts  int
	Elapsed   time.Duration
	LastClass Class
	LastErr   error
}

// Controller applies a Policy. Polite, when set, adds a politeness delay on
// top of the backoff before every attempt after the first.
type Controller struct {
	Policy   Policy
	Classify Classifier
	Sleeper  pace.Sleeper
	Polite   func() time.Duration
	Now      func() time.Time
	Logger   *zap.SugaredLogger
}

// NewController fills in wall-clock defaults.
func NewController(policy Policy, classify Classifier, logger *zap.SugaredLogger) *Controller {
	return &Controller{
		Policy:   policy,
		Classify: classify,
		Sleeper:  pace.Clock{},
		Now:      time.Now,
		Logger:   logging.OrNop(logger),
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy runs out of attempts or time. op receives the 1-based attempt number.
func Do[T any](ctx context.Context, c *Controller, op func(ctx context.Context, attempt int) (T, error)) (T, State, error) {
	var zero T
	now := c.Now
	if now == nil {
		now = time.Now
	}
	sleeper := c.Sleeper
	if sleeper == nil {
		sleeper = pace.Clock{}
	}
	log := logging.OrNop(c.Logger)
	maxAttempts := c.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := now()
	var st State

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			wait := c.Policy.Backoff(attempt - 1)
			if c.Polite != nil {
				wait += c.Polite()
			}
			// The last wait is shortened to what is left of the budget.
			if c.Policy.Budget > 0 {
				if left := c.Policy.Budget - now().Sub(start); wait > left {
					wait = left
				}
			}
			log.Debugw("Backing off before retry", "attempt", attempt, "wait", wait)
			if err := sleeper.Sleep(ctx, wait); err != nil {
				st.Elapsed = now().Sub(start)
				return zero, st, errors.Wrap(err, "waiting to retry")
			}
		}

		st.Attempts = attempt
		v, err := op(ctx, attempt)
		st.Elapsed = now().Sub(start)
		if err == nil {
			return v, st, nil
		}

		class := Fatal
		if c.Classify != nil {
			class = c.Classify(err)
		}
		st.LastClass = class
		st.LastErr = err

		if !c.Policy.retryable(class) {
			return zero, st, err
		}

		log.Warnw("Attempt failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"class", class.String(),
			"error", err)

		if attempt >= maxAttempts {
			return zero, st, exhausted(st, "%d attempts", attempt)
		}
		if c.Policy.Budget > 0 && st.Elapsed >= c.Policy.Budget {
			return zero, st, exhausted(st, "time budget %s spent", c.Policy.Budget)
		}
	}
}

func exhausted(st State, format string, args ...any) error {
	err := errors.Wrapf(st.LastErr, "giving up after "+format, args...)
	if st.LastErr == nil {
		err = errors.Newf("giving up after "+format, args...)
	}
	return errors.Mark(err, ErrExhausted)
}
