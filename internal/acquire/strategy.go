package acquire

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/trizwire/internal/render"
)

// Extraction is what a Strategy pulls out of a rendered page.
type Extraction struct {
	Title     string
	Content   string
	Date      string
	DateFound bool
}

// Strategy binds acquisition to one page structure.
type Strategy interface {
	Name() string
	// Locate waits until the page shows the content container.
	Locate(ctx context.Context, s render.Session) error
	// Extract reads the located page. Missing required parts are reported
	// as ErrMissingContent.
	Extract(ctx context.Context, s render.Session, pageURL string) (Extraction, error)
}

// SelectorStrategy reads fixed CSS selectors.
type SelectorStrategy struct {
	Container string `yaml:"container"`
	Heading   string `yaml:"heading"`
	Body      string `yaml:"body"`
	Date      string `yaml:"date"`
}

// DefaultSelectors matches the phys.org article layout.
func DefaultSelectors() SelectorStrategy {
	return SelectorStrategy{
		Container: "article",
		Heading:   "h1",
		Body:      ".article-main",
		Date:      ".text-gray-500",
	}
}

// Name implements Strategy.
func (SelectorStrategy) Name() string { return "selector" }

// Locate waits for the container and the heading.
func (st SelectorStrategy) Locate(ctx context.Context, s render.Session) error {
	if err := s.WaitFor(ctx, st.Container); err != nil {
		return err
	}
	return s.WaitFor(ctx, st.Heading)
}

// Extract reads heading, body and the optional date.
func (st SelectorStrategy) Extract(ctx context.Context, s render.Session, _ string) (Extraction, error) {
	var ex Extraction

	title, err := s.Text(ctx, st.Heading)
	if err != nil {
		return ex, missing(err, "heading %q", st.Heading)
	}
	if title == "" {
		return ex, errors.Mark(errors.Newf("heading %q is empty", st.Heading), ErrMissingContent)
	}
	ex.Title = title

	body, err := s.Text(ctx, st.Body)
	if err != nil {
		return ex, missing(err, "body %q", st.Body)
	}
	if body == "" {
		return ex, errors.Mark(errors.Newf("body %q is empty", st.Body), ErrMissingContent)
	}
	ex.Content = body

	if st.Date != "" {
		if date, err := s.Text(ctx, st.Date); err == nil && date != "" {
			ex.Date = date
			ex.DateFound = true
		}
	}
	return ex, nil
}

func missing(err error, format string, args ...any) error {
	if errors.Is(err, render.ErrNotFound) {
		return errors.Mark(errors.Wrapf(err, format, args...), ErrMissingContent)
	}
	return errors.Wrapf(err, format, args...)
}

// ReadabilityStrategy waits for a container and then lets readability find
// the main text, which survives small layout changes.
type ReadabilityStrategy struct {
	Container string
}

// Name implements Strategy.
func (ReadabilityStrategy) Name() string { return "readability" }

// Locate waits for the container.
func (st ReadabilityStrategy) Locate(ctx context.Context, s render.Session) error {
	return s.WaitFor(ctx, st.Container)
}

// Extract runs readability over the rendered document.
func (st ReadabilityStrategy) Extract(ctx context.Context, s render.Session, pageURL string) (Extraction, error) {
	var ex Extraction

	html, err := s.HTML(ctx)
	if err != nil {
		return ex, err
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ex, errors.Mark(errors.Wrapf(err, "parsing %s", pageURL), ErrInvalidURL)
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return ex, errors.Mark(errors.Wrap(err, "readability"), ErrMissingContent)
	}

	ex.Title = strings.TrimSpace(article.Title)
	ex.Content = strings.TrimSpace(article.TextContent)
	if ex.Title == "" || ex.Content == "" {
		return ex, errors.Mark(errors.New("readability found no title or text"), ErrMissingContent)
	}
	return ex, nil
}
