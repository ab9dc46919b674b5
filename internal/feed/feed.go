// Package feed reads the syndication feed that seeds a batch.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/logging"
	"github.com/TobiSchelling/trizwire/internal/pace"
	"github.com/TobiSchelling/trizwire/internal/render"
	"github.com/TobiSchelling/trizwire/internal/store"
)

// SnapshotName is the artifact a fetched feed is frozen into.
const SnapshotName = "feed.json"

// Item is one feed entry. Link is its identity.
type Item struct {
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Summary     string     `json:"summary"`
	Published   string     `json:"published"`
	PublishedAt *time.Time `json:"published_parsed,omitempty"`
	Authors     []string   `json:"authors"`
	Tags        []string   `json:"tags"`
}

// Feed is a snapshot of the feed at fetch time.
type Feed struct {
	Title       string    `json:"feed_title"`
	Link        string    `json:"feed_link"`
	Description string    `json:"feed_description"`
	Language    string    `json:"feed_language"`
	LastUpdated time.Time `json:"last_updated"`
	Items       []Item    `json:"articles"`
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client   *resty.Client
	identity render.IdentityProvider
	delay    pace.Waiter
	limit    int
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewFetcher creates a Fetcher. delay runs before every request and may be
// nil. A positive limit caps the number of items kept.
func NewFetcher(identity render.IdentityProvider, delay pace.Waiter, limit int, timeout time.Duration, logger *zap.SugaredLogger) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		client:   resty.New().SetTimeout(timeout),
		identity: identity,
		delay:    delay,
		limit:    limit,
		now:      time.Now,
		logger:   logging.OrNop(logger),
	}
}

// Fetch retrieves and parses feedURL.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*Feed, error) {
	if f.delay != nil {
		if err := f.delay.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "waiting before feed request")
		}
	}

	req := f.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/rss+xml, application/xml, application/atom+xml").
		SetHeader("Accept-Language", "en-US,en;q=0.9")
	if f.identity != nil {
		req.SetHeader("User-Agent", f.identity.UserAgent())
	}

	res, err := req.Get(feedURL)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching feed %s", feedURL)
	}
	if res.IsError() {
		return nil, errors.Newf("fetching feed %s: status %d", feedURL, res.StatusCode())
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(res.Body()))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing feed %s", feedURL)
	}

	fd := &Feed{
		Title:       parsed.Title,
		Link:        parsed.Link,
		Description: parsed.Description,
		Language:    parsed.Language,
		LastUpdated: f.now(),
	}
	for _, it := range parsed.Items {
		if f.limit > 0 && len(fd.Items) >= f.limit {
			break
		}
		item, ok := parseItem(it)
		if !ok {
			continue
		}
		fd.Items = append(fd.Items, item)
	}

	f.logger.Infow("Fetched feed", "url", feedURL, "title", fd.Title, "items", len(fd.Items))
	return fd, nil
}

func parseItem(it *gofeed.Item) (Item, bool) {
	link := strings.TrimSpace(it.Link)
	if link == "" {
		link = strings.TrimSpace(it.GUID)
	}
	if link == "" {
		return Item{}, false
	}

	item := Item{
		Title:       strings.TrimSpace(it.Title),
		Link:        link,
		Summary:     stripHTML(it.Description),
		Published:   it.Published,
		PublishedAt: it.PublishedParsed,
		Tags:        it.Categories,
	}
	for _, a := range it.Authors {
		if a != nil && a.Name != "" {
			item.Authors = append(item.Authors, a.Name)
		}
	}
	return item, true
}

func stripHTML(text string) string {
	if text == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return strings.Join(strings.Fields(text), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// Save freezes fd into dir.
func Save(dir *store.Dir, fd *Feed) error {
	data, err := json.MarshalIndent(fd, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding feed snapshot")
	}
	return dir.Write(SnapshotName, append(data, '\n'))
}

// Load reads a snapshot written by Save.
func Load(dir *store.Dir) (*Feed, error) {
	data, err := dir.Read(SnapshotName)
	if err != nil {
		return nil, err
	}
	var fd Feed
	if err := json.Unmarshal(data, &fd); err != nil {
		return nil, errors.Wrap(err, "decoding feed snapshot")
	}
	return &fd, nil
}
