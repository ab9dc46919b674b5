package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/TobiSchelling/trizwire/internal/pace"
	"github.com/TobiSchelling/trizwire/internal/store"
)

type countingWaiter struct{ calls int }

func (w *countingWaiter) Wait(context.Context) error {
	w.calls++
	return nil
}

func openOut(t *testing.T) *store.Dir {
	t.Helper()
	d, err := store.Open(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	return d
}

func nameOf(item string) (string, error) { return item + ".txt", nil }

func TestRunWritesEveryItemAndDelaysAfterEach(t *testing.T) {
	out := openOut(t)
	w := &countingWaiter{}
	items := make([]string, 10)
	for i := range items {
		items[i] = fmt.Sprintf("item%02d", i)
	}

	r := &Runner[string]{
		Stage: "test",
		Out:   out,
		Name:  nameOf,
		Process: func(_ context.Context, item string) ([]byte, error) {
			return []byte("content of " + item), nil
		},
		Delay: w,
	}

	res, err := r.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 10, Written: 10}, res)
	assert.Equal(t, 10, w.calls)

	names, err := out.List(".txt")
	require.NoError(t, err)
	assert.Len(t, names, 10)
}

func TestRunIsIdempotent(t *testing.T) {
	out := openOut(t)
	calls := map[string]int{}
	w := &countingWaiter{}
	r := &Runner[string]{
		Stage: "test",
		Out:   out,
		Name:  nameOf,
		Process: func(_ context.Context, item string) ([]byte, error) {
			calls[item]++
			return []byte(item), nil
		},
		Delay: w,
	}

	_, err := r.Run(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	info, err := os.Stat(out.Path("a.txt"))
	require.NoError(t, err)
	before, err := out.Read("a.txt")
	require.NoError(t, err)

	res, err := r.Run(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, Result{Total: 3, Written: 1, Skipped: 2}, res)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, calls, "completed items are never reprocessed")
	assert.Equal(t, 3, w.calls, "skipped items are not delayed")

	after, err := out.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	info2, err := os.Stat(out.Path("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), info2.ModTime())
}

func TestRunIsolatesFailures(t *testing.T) {
	out := openOut(t)
	core, logs := observer.New(zapcore.InfoLevel)
	w := &countingWaiter{}

	r := &Runner[string]{
		Stage: "acquire",
		Out:   out,
		Name:  nameOf,
		Process: func(_ context.Context, item string) ([]byte, error) {
			if item == "bad" {
				return nil, errors.New("layout changed")
			}
			return []byte(item), nil
		},
		Delay:  w,
		Logger: zap.New(core).Sugar(),
	}

	res, err := r.Run(context.Background(), []string{"a", "bad", "c"})
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 3, Written: 2, Failed: 1}, res)
	assert.Equal(t, 3, w.calls, "failed items are delayed too")

	ok, err := out.Exists("bad.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, r.Failures(), 1)
	assert.Equal(t, "bad.txt", r.Failures()[0].Name)

	failed := logs.FilterMessage("Item failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "bad.txt", failed[0].ContextMap()["item"])
}

func TestRunStopsBetweenItemsOnShutdown(t *testing.T) {
	out := openOut(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	r := &Runner[string]{
		Stage: "test",
		Out:   out,
		Name:  nameOf,
		Process: func(pctx context.Context, item string) ([]byte, error) {
			seen = append(seen, item)
			if item == "b" {
				cancel()
				// The in-flight item is not cancelled.
				assert.NoError(t, pctx.Err())
			}
			return []byte(item), nil
		},
	}

	res, err := r.Run(ctx, []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, []string{"a", "b"}, seen)

	ok, err := out.Exists("b.txt")
	require.NoError(t, err)
	assert.True(t, ok, "the item in flight at shutdown is still written")
}

func TestRunInterruptedDuringDelay(t *testing.T) {
	out := openOut(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delay := pace.JitterWaiter{
		Jitter:  pace.NewJitter(nil, pace.Range{Min: time.Hour, Max: time.Hour}, pace.Range{}),
		Kind:    pace.InterItem,
		Sleeper: pace.Clock{},
	}
	r := &Runner[string]{
		Stage: "test",
		Out:   out,
		Name:  nameOf,
		Process: func(_ context.Context, item string) ([]byte, error) {
			cancel()
			return []byte(item), nil
		},
		Delay: delay,
	}

	res, err := r.Run(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 1, res.Written)
}

func TestRunHonoursDonePredicate(t *testing.T) {
	out := openOut(t)
	require.NoError(t, out.Write("a.txt", []byte("ERROR")))

	calls := 0
	r := &Runner[string]{
		Stage: "test",
		Out:   out,
		Name:  nameOf,
		Process: func(_ context.Context, item string) ([]byte, error) {
			calls++
			return []byte("fixed"), nil
		},
		Done: func(name string) (bool, error) {
			data, err := out.Read(name)
			if err != nil {
				return false, nil
			}
			return string(data) != "ERROR", nil
		},
	}

	res, err := r.Run(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, calls)

	data, err := out.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "fixed", string(data))
}

func TestRunRequiresConfiguration(t *testing.T) {
	r := &Runner[string]{Stage: "empty"}
	_, err := r.Run(context.Background(), []string{"a"})
	assert.Error(t, err)
}

func TestRunContinuesPastUncheckableItems(t *testing.T) {
	out := openOut(t)
	w := &countingWaiter{}
	var processed []string

	r := &Runner[string]{
		Stage: "analyze",
		Out:   out,
		Name: func(item string) (string, error) {
			if item == "unnamed" {
				return "", errors.New("no title")
			}
			return nameOf(item)
		},
		Process: func(_ context.Context, item string) ([]byte, error) {
			processed = append(processed, item)
			return []byte(item), nil
		},
		Done: func(name string) (bool, error) {
			if name == "long.txt" {
				return false, errors.New("file name too long")
			}
			return out.Exists(name)
		},
		Delay: w,
	}

	res, err := r.Run(context.Background(), []string{"long", "unnamed", "plain"})
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 3, Written: 1, Failed: 2}, res)
	assert.Equal(t, []string{"plain"}, processed)
	assert.Equal(t, 3, w.calls, "items that cannot be checked are delayed too")

	require.Len(t, r.Failures(), 2)
	assert.Equal(t, "long.txt", r.Failures()[0].Name)
	assert.Contains(t, r.Failures()[0].Err.Error(), "file name too long")
}
