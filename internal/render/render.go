// Package render drives page-rendering engines on behalf of the acquisition stage.
//
// A Browser opens short-lived Sessions. Each Session owns one page and must be
// closed by the caller on every exit path.
package render

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by Session.Text when no element matches.
	ErrNotFound = errors.New("element not found")
	// ErrTimeout is returned when a navigation or element wait runs out of time.
	ErrTimeout = errors.New("render timeout")
)

// Options configure one session.
type Options struct {
	UserAgent          string
	Headless           bool
	DisableCache       bool
	HideAutomation     bool
	NavigationTimeout  time.Duration
	WindowWidth        int
	WindowHeight       int
	AcceptLanguage     string
	ExtraChromiumFlags []string
}

// DefaultOptions returns the settings used against bot-resistant sources.
func DefaultOptions() Options {
	return Options{
		Headless:          true,
		DisableCache:      true,
		HideAutomation:    true,
		NavigationTimeout: 60 * time.Second,
		WindowWidth:       1920,
		WindowHeight:      1080,
		AcceptLanguage:    "en-US,en;q=0.9",
	}
}

// Browser opens sessions.
type Browser interface {
	Open(ctx context.Context, opts Options) (Session, error)
	// Name tags records produced through this backend.
	Name() string
}

// Session is one page in one browser context.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// WaitFor blocks until selector matches a visible element or ctx is done.
	WaitFor(ctx context.Context, selector string) error
	// Text returns the trimmed text of the first element matching selector.
	Text(ctx context.Context, selector string) (string, error)
	// HTML returns the current document markup.
	HTML(ctx context.Context) (string, error)
	Close() error
}

func asTimeout(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Mark(err, ErrTimeout)
	}
	return err
}
