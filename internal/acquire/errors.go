package acquire

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/TobiSchelling/trizwire/internal/retry"
)

// Failure categories of one acquisition attempt.
var (
	ErrSessionInit    = errors.New("browser session could not be started")
	ErrNavigation     = errors.New("navigation failed")
	ErrElementTimeout = errors.New("content did not appear in time")
	ErrMissingContent = errors.New("expected content missing from page")
	ErrInvalidURL     = errors.New("invalid item url")
)

// Classify maps acquisition errors onto retry classes. Anything not produced
// by an Acquirer is treated as fatal.
func Classify(err error) retry.Class {
	switch {
	case err == nil:
		return retry.Fatal
	case errors.Is(err, ErrInvalidURL):
		return retry.Fatal
	case errors.IsAny(err, ErrSessionInit, ErrNavigation, ErrElementTimeout):
		return retry.Transient
	case errors.Is(err, context.DeadlineExceeded):
		return retry.Transient
	case errors.Is(err, ErrMissingContent):
		return retry.Structural
	default:
		return retry.Fatal
	}
}
