package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/TobiSchelling/trizwire/internal/acquire"
	"github.com/TobiSchelling/trizwire/internal/config"
	"github.com/TobiSchelling/trizwire/internal/feed"
	"github.com/TobiSchelling/trizwire/internal/llm"
	"github.com/TobiSchelling/trizwire/internal/pace"
	"github.com/TobiSchelling/trizwire/internal/render"
	"github.com/TobiSchelling/trizwire/internal/store"
)

const (
	linkA = "https://phys.org/news/a.html"
	linkB = "https://phys.org/news/b.html"
)

const twoItemFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Phys.org</title><link>https://phys.org/</link><description>news</description>
<item><title>A</title><link>` + linkA + `</link><description>first</description></item>
<item><title>B</title><link>` + linkB + `</link><description>second</description></item>
</channel></rss>`

type page struct {
	title, body string
	html        string
	timeout     bool
}

// siteBrowser serves pages by URL and counts navigations.
type siteBrowser struct {
	mu     sync.Mutex
	pages  map[string]*page
	visits map[string]int
	opened int
	closed int
}

func newSiteBrowser() *siteBrowser {
	return &siteBrowser{
		pages: map[string]*page{
			linkA: {title: "Breakthrough", body: "Text1"},
			linkB: {title: "Second finding", body: "Text2", timeout: true},
		},
		visits: map[string]int{},
	}
}

func (b *siteBrowser) Name() string { return "fake" }

func (b *siteBrowser) Open(context.Context, render.Options) (render.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened++
	return &siteSession{b: b}, nil
}

type siteSession struct {
	b   *siteBrowser
	cur *page
}

func (s *siteSession) Navigate(_ context.Context, url string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.visits[url]++
	p, ok := s.b.pages[url]
	if !ok {
		return errors.Newf("no route to %s", url)
	}
	if p.timeout {
		return errors.Mark(errors.Newf("loading %s", url), render.ErrTimeout)
	}
	s.cur = p
	return nil
}

func (s *siteSession) WaitFor(context.Context, string) error { return nil }

func (s *siteSession) Text(_ context.Context, selector string) (string, error) {
	switch selector {
	case "h1":
		return s.cur.title, nil
	case ".article-main":
		return s.cur.body, nil
	}
	return "", render.ErrNotFound
}

func (s *siteSession) HTML(context.Context) (string, error) {
	if s.cur != nil && s.cur.html != "" {
		return s.cur.html, nil
	}
	return "<html></html>", nil
}

func (s *siteSession) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.closed++
	return nil
}

type mockProvider struct {
	prefix string
	calls  int
}

func (m *mockProvider) Chat(_ context.Context, msgs []llm.Message, _ float64) (string, error) {
	m.calls++
	return m.prefix + " " + firstLine(msgs[len(msgs)-1].Content), nil
}

func (m *mockProvider) IsConfigured() bool { return true }

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

type harness struct {
	p        *Pipeline
	browser  *siteBrowser
	analysis *mockProvider
	generate *mockProvider
	logs     *observer.ObservedLogs
	sleeps   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(twoItemFeed))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Feed.URL = srv.URL
	cfg.Output.DataDir = t.TempDir()
	cfg.Analysis.RequestsPerMinute = 0
	cfg.Generation.RequestsPerMinute = 0
	require.NoError(t, cfg.Validate())

	core, logs := observer.New(zapcore.InfoLevel)
	h := &harness{
		browser:  newSiteBrowser(),
		analysis: &mockProvider{prefix: "analysis of"},
		generate: &mockProvider{prefix: "# Article from"},
		logs:     logs,
	}
	h.p = New(cfg, Deps{
		Browser:    h.browser,
		Identity:   render.FixedIdentity("UA/1"),
		Analysis:   h.analysis,
		Generation: h.generate,
		Sleeper: pace.SleeperFunc(func(context.Context, time.Duration) error {
			h.sleeps++
			return nil
		}),
		Now:    func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) },
		Logger: zap.New(core).Sugar(),
	})
	return h
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t)
	d := h.p.Dirs()

	res := h.p.Run(context.Background())
	require.False(t, res.Failed(), "%+v", res.Steps)
	require.Len(t, res.Steps, 4)

	acq := res.Steps[1]
	assert.Equal(t, 1, acq.Stage.Written)
	assert.Equal(t, 1, acq.Stage.Failed)
	assert.Equal(t, 3, h.browser.visits[linkB], "B is attempted exactly three times")
	assert.Equal(t, h.browser.opened, h.browser.closed)

	acquired, err := store.Open(d.Acquired)
	require.NoError(t, err)
	data, err := acquired.Read(acquire.FileName(linkA))
	require.NoError(t, err)
	rec, err := acquire.Load(data)
	require.NoError(t, err)
	assert.Equal(t, "Breakthrough", rec.Title)
	assert.Equal(t, "Text1", rec.Content)
	assert.Equal(t, acquire.DateFromCapture, rec.PublicationDateSource)

	ok, err := acquired.Exists(acquire.FileName(linkB))
	require.NoError(t, err)
	assert.False(t, ok)

	giveUps := h.logs.FilterMessage("Giving up on item").All()
	require.Len(t, giveUps, 1)
	fields := giveUps[0].ContextMap()
	assert.Equal(t, linkB, fields["url"])
	assert.EqualValues(t, 3, fields["attempts"])
	assert.Equal(t, "transient", fields["class"])

	articles, err := store.Open(d.Articles)
	require.NoError(t, err)
	names, err := articles.List(".md")
	require.NoError(t, err)
	assert.Equal(t, []string{"Breakthrough.md"}, names)
	assert.Equal(t, 1, h.analysis.calls)
	assert.Equal(t, 1, h.generate.calls)

	// B comes back; the second run touches only B.
	h.browser.pages[linkB].timeout = false
	res = h.p.Run(context.Background())
	require.False(t, res.Failed())

	assert.Equal(t, 1, h.browser.visits[linkA], "A is never fetched again")
	assert.Equal(t, 4, h.browser.visits[linkB])
	assert.Equal(t, 1, res.Steps[1].Stage.Written)
	assert.Equal(t, 1, res.Steps[1].Stage.Skipped)
	assert.Equal(t, 2, h.analysis.calls)
	assert.Equal(t, 2, h.generate.calls)

	names, err = articles.List(".md")
	require.NoError(t, err)
	assert.Equal(t, []string{"Breakthrough.md", "Second_finding.md"}, names)
}

func TestRunThirdTimeIsNoop(t *testing.T) {
	h := newHarness(t)
	h.browser.pages[linkB].timeout = false

	require.False(t, h.p.Run(context.Background()).Failed())
	visits := h.browser.visits[linkA] + h.browser.visits[linkB]
	calls := h.analysis.calls + h.generate.calls

	res := h.p.Run(context.Background())
	require.False(t, res.Failed())
	assert.Equal(t, visits, h.browser.visits[linkA]+h.browser.visits[linkB])
	assert.Equal(t, calls, h.analysis.calls+h.generate.calls)
	assert.Equal(t, 2, res.Steps[1].Stage.Skipped)
}

func TestRunStopsWhenStageDirUnusable(t *testing.T) {
	h := newHarness(t)
	blocker := filepath.Join(h.p.cfg.Output.DataDir, "acquired")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	res := h.p.Run(context.Background())
	require.True(t, res.Failed())
	assert.Equal(t, StepAcquire, res.Steps[len(res.Steps)-1].Name)
	assert.Equal(t, 0, h.browser.opened)
}

func TestFeedFallsBackToSnapshot(t *testing.T) {
	h := newHarness(t)
	d := h.p.Dirs()

	items, step := h.p.FetchFeed(context.Background(), d.Feed)
	require.NoError(t, step.Err)
	require.Len(t, items, 2)

	h.p.cfg.Feed.URL = "http://127.0.0.1:1/unreachable"
	items, step = h.p.FetchFeed(context.Background(), d.Feed)
	require.NoError(t, step.Err)
	assert.Len(t, items, 2)
	assert.Contains(t, step.Summary, "snapshot")
}

func TestStatusAndDryRun(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.p.Run(context.Background()).Failed())

	st, err := h.p.Status()
	require.NoError(t, err)
	require.Len(t, st, 4)
	assert.Equal(t, 1, st[0].Artifacts)
	assert.Equal(t, 1, st[1].Artifacts)
	assert.Equal(t, 1, st[2].Artifacts)
	assert.Equal(t, 1, st[3].Artifacts)

	calls := h.analysis.calls
	dry := h.p.DryRun()
	require.Len(t, dry.Steps, 4)
	assert.Contains(t, dry.Steps[1].Summary, "1 of 2")
	assert.Contains(t, dry.Steps[2].Summary, "0 of 1")
	assert.Equal(t, calls, h.analysis.calls, "dry run makes no calls")
}

func TestAnalyzeWithoutProviderFailsBeforeLoop(t *testing.T) {
	h := newHarness(t)
	d := h.p.Dirs()

	acquired, err := store.Open(d.Acquired)
	require.NoError(t, err)
	rec := &acquire.Record{Title: "T", URL: linkA, Content: "c"}
	data, err := rec.Marshal()
	require.NoError(t, err)
	require.NoError(t, acquired.Write(acquire.FileName(linkA), data))

	h.p.deps.Analysis = nil
	h.p.cfg.Analysis.APIKeyEnv = "TRIZWIRE_UNSET_KEY_FOR_TEST"
	step := h.p.Analyze(context.Background(), d.Acquired, d.Analysis)
	assert.True(t, errors.Is(step.Err, ErrNoProvider))
}

func TestAnalyzeHandlesLongMultibyteTitles(t *testing.T) {
	h := newHarness(t)
	d := h.p.Dirs()

	acquired, err := store.Open(d.Acquired)
	require.NoError(t, err)
	for link, title := range map[string]string{
		linkA: strings.Repeat("量子", 50),
		linkB: "Plain English title",
	} {
		rec := &acquire.Record{Title: title, URL: link, Content: "body"}
		data, err := rec.Marshal()
		require.NoError(t, err)
		require.NoError(t, acquired.Write(acquire.FileName(link), data))
	}

	step := h.p.Analyze(context.Background(), d.Acquired, d.Analysis)
	require.NoError(t, step.Err)
	assert.Equal(t, 2, step.Stage.Written)
	assert.Zero(t, step.Stage.Skipped)
	assert.Equal(t, 2, h.analysis.calls)

	again := h.p.Analyze(context.Background(), d.Acquired, d.Analysis)
	require.NoError(t, again.Err)
	assert.Equal(t, 2, h.analysis.calls, "completed analyses are not redone")
}

func TestAcquireLogsFullPageOnStructuralGiveUp(t *testing.T) {
	h := newHarness(t)
	markup := "<html><body>" + strings.Repeat("<p>redesigned</p>", 2000) + "</body></html>"
	h.browser.pages[linkB] = &page{title: "Second finding", html: markup}

	step := h.p.Acquire(context.Background(), []feed.Item{{Title: "B", Link: linkB}}, h.p.Dirs().Acquired)
	require.NoError(t, step.Err)
	assert.Equal(t, 1, step.Stage.Failed)
	assert.Equal(t, 3, h.browser.visits[linkB])

	gaveUp := h.logs.FilterMessage("Giving up on item").All()
	require.Len(t, gaveUp, 1)
	fields := gaveUp[0].ContextMap()
	assert.Equal(t, "structural", fields["class"])
	assert.Equal(t, markup, fields["page_html"])
}
