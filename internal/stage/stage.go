// Package stage runs one pipeline stage over a batch of items.
//
// Items are processed one at a time. An item whose artifact already exists
// is skipped without any external call, a failed item is logged and left
// without an artifact, and shutdown is honoured only between items.
package stage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/logging"
	"github.com/TobiSchelling/trizwire/internal/pace"
	"github.com/TobiSchelling/trizwire/internal/store"
)

// Result counts what a run did.
type Result struct {
	Total       int
	Written     int
	Skipped     int
	Failed      int
	Interrupted bool
}

// Failure is one item that produced no artifact.
type Failure struct {
	Name string
	Err  error
}

// Runner drives items of type T into artifacts in Out.
type Runner[T any] struct {
	// Stage labels log lines.
	Stage string
	Out   *store.Dir
	// Name derives the artifact name. It must be deterministic for an item.
	Name func(item T) (string, error)
	// Process produces the artifact content.
	Process func(ctx context.Context, item T) ([]byte, error)
	// Delay runs after every processed item, successful or not.
	Delay pace.Waiter
	// Done reports whether name is complete. Defaults to artifact existence.
	Done   func(name string) (bool, error)
	Logger *zap.SugaredLogger

	failures []Failure
}

// Failures returns the items that failed during the last Run.
func (r *Runner[T]) Failures() []Failure {
	return r.failures
}

// Run processes items in order.
func (r *Runner[T]) Run(ctx context.Context, items []T) (Result, error) {
	log := logging.OrNop(r.Logger)
	if r.Out == nil || r.Name == nil || r.Process == nil {
		return Result{}, errors.Newf("stage %s is not fully configured", r.Stage)
	}
	done := r.Done
	if done == nil {
		done = r.Out.Exists
	}

	r.failures = nil
	res := Result{Total: len(items)}
	start := time.Now()

	for i, item := range items {
		if ctx.Err() != nil {
			res.Interrupted = true
			log.Infow("Shutdown requested, stopping between items",
				"stage", r.Stage, "remaining", len(items)-i)
			break
		}

		name, err := r.Name(item)
		if err == nil {
			var complete bool
			complete, err = done(name)
			if err == nil && complete {
				res.Skipped++
				log.Debugw("Already processed", "stage", r.Stage, "item", name)
				continue
			}
			if err != nil {
				err = errors.Wrapf(err, "checking %s", name)
			}
		}

		if err != nil {
			res.Failed++
			r.failures = append(r.failures, Failure{Name: name, Err: err})
			log.Errorw("Item failed", "stage", r.Stage, "index", i, "item", name, "error", err)
		} else {
			log.Infow("Processing item", "stage", r.Stage, "item", name, "n", i+1, "of", len(items))
			r.processOne(ctx, item, name, &res, log)
		}

		if !r.pause(ctx, &res, log) {
			break
		}
	}

	log.Infow("Stage finished",
		"stage", r.Stage,
		"total", res.Total,
		"written", res.Written,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"interrupted", res.Interrupted,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// pause applies the inter-item delay. It reports false when shutdown was
// requested meanwhile.
func (r *Runner[T]) pause(ctx context.Context, res *Result, log *zap.SugaredLogger) bool {
	if r.Delay == nil {
		return true
	}
	if err := r.Delay.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			res.Interrupted = true
			log.Infow("Shutdown requested during delay", "stage", r.Stage)
			return false
		}
		log.Warnw("Delay failed", "stage", r.Stage, "error", err)
	}
	return true
}

func (r *Runner[T]) processOne(ctx context.Context, item T, name string, res *Result, log *zap.SugaredLogger) {
	// An item in flight finishes even if shutdown arrives meanwhile.
	data, err := r.Process(context.WithoutCancel(ctx), item)
	if err == nil {
		err = r.Out.Write(name, data)
	}
	if err != nil {
		res.Failed++
		r.failures = append(r.failures, Failure{Name: name, Err: err})
		log.Errorw("Item failed", "stage", r.Stage, "item", name, "error", err)
		return
	}
	res.Written++
	log.Infow("Saved artifact", "stage", r.Stage, "item", name, "path", r.Out.Path(name))
}
