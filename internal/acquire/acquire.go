// Package acquire fetches the full content of one feed item from a
// bot-resistant source.
//
// One attempt walks a fixed sequence: open a session with a fresh client
// identity, pause briefly, navigate, wait for the content container, extract
// title, body and optional date, and always tear the session down. Each
// failing step produces an error carrying its category so the retry layer
// can decide whether another attempt makes sense.
package acquire

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/logging"
	"github.com/TobiSchelling/trizwire/internal/pace"
	"github.com/TobiSchelling/trizwire/internal/render"
	"github.com/TobiSchelling/trizwire/internal/store"
)

// Date sources recorded in PublicationDateSource.
const (
	DateFromPage    = "page"
	DateFromCapture = "capture"
)

// Record is the acquisition artifact. It is written once and never changed.
type Record struct {
	Title                 string `json:"title"`
	URL                   string `json:"url"`
	PublicationDate       string `json:"publication_date"`
	PublicationDateSource string `json:"publication_date_source"`
	Content               string `json:"content"`
	ScrapedAt             string `json:"scraped_at"`
	ScrapingMethod        string `json:"scraping_method"`
}

// Marshal encodes the record as indented JSON.
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding record")
	}
	return append(data, '\n'), nil
}

// Load decodes a record artifact.
func Load(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decoding record")
	}
	if r.Content == "" {
		return nil, errors.Newf("record for %s has no content", r.URL)
	}
	return &r, nil
}

// FileName is the artifact name for an item link.
func FileName(link string) string {
	return "article_" + store.LinkKey(link) + ".json"
}

// Timeouts bound the two blocking steps of an attempt.
type Timeouts struct {
	Navigation time.Duration `yaml:"navigation"`
	Element    time.Duration `yaml:"element"`
}

// Acquirer runs acquisition attempts.
type Acquirer struct {
	browser  render.Browser
	identity render.IdentityProvider
	strategy Strategy
	options  render.Options
	timeouts Timeouts
	jitter   *pace.Jitter
	sleeper  pace.Sleeper
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// Option adjusts an Acquirer.
type Option func(*Acquirer)

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s pace.Sleeper) Option { return func(a *Acquirer) { a.sleeper = s } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(a *Acquirer) { a.now = now } }

// WithOptions replaces the default render options.
func WithOptions(o render.Options) Option { return func(a *Acquirer) { a.options = o } }

// New creates an Acquirer.
func New(b render.Browser, id render.IdentityProvider, st Strategy, jitter *pace.Jitter,
	timeouts Timeouts, logger *zap.SugaredLogger, opts ...Option) *Acquirer {
	a := &Acquirer{
		browser:  b,
		identity: id,
		strategy: st,
		options:  render.DefaultOptions(),
		timeouts: timeouts,
		jitter:   jitter,
		sleeper:  pace.Clock{},
		now:      time.Now,
		logger:   logging.OrNop(logger),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Method tags records produced by this Acquirer.
func (a *Acquirer) Method() string {
	return a.browser.Name() + "/" + a.strategy.Name()
}

// Acquire runs one attempt against pageURL.
func (a *Acquirer) Acquire(ctx context.Context, pageURL string) (rec *Record, err error) {
	if u, perr := url.Parse(pageURL); perr != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Mark(errors.Newf("cannot acquire %q", pageURL), ErrInvalidURL)
	}

	opts := a.options
	if a.identity != nil {
		opts.UserAgent = a.identity.UserAgent()
	}

	sess, err := a.browser.Open(ctx, opts)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "opening session"), ErrSessionInit)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			a.logger.Warnw("Closing session failed", "url", pageURL, "error", cerr)
		}
	}()

	if a.jitter != nil {
		if err := a.sleeper.Sleep(ctx, a.jitter.NextDelay(pace.PreNavigation)); err != nil {
			return nil, errors.Wrap(err, "pre-navigation pause")
		}
	}

	navCtx, cancel := withTimeout(ctx, a.timeouts.Navigation)
	err = sess.Navigate(navCtx, pageURL)
	cancel()
	if err != nil {
		return nil, errors.Mark(err, ErrNavigation)
	}

	elemCtx, cancel := withTimeout(ctx, a.timeouts.Element)
	err = a.strategy.Locate(elemCtx, sess)
	cancel()
	if err != nil {
		return nil, errors.Mark(err, ErrElementTimeout)
	}

	ex, err := a.strategy.Extract(ctx, sess, pageURL)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingContent):
			if html, herr := sess.HTML(ctx); herr == nil {
				err = errors.WithDetail(err, html)
			}
		case !errors.Is(err, ErrInvalidURL):
			// The page went away under us.
			err = errors.Mark(err, ErrNavigation)
		}
		return nil, err
	}

	captured := a.now()
	rec = &Record{
		Title:          ex.Title,
		URL:            pageURL,
		Content:        ex.Content,
		ScrapedAt:      captured.Format(time.RFC3339),
		ScrapingMethod: a.Method(),
	}
	if ex.DateFound {
		rec.PublicationDate = ex.Date
		rec.PublicationDateSource = DateFromPage
	} else {
		rec.PublicationDate = captured.Format(time.RFC3339)
		rec.PublicationDateSource = DateFromCapture
	}
	return rec, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
