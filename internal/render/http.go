package render

import (
	"bytes"
	"context"
	"net/http/cookiejar"
	"strings"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
)

// HTTP fetches pages without executing scripts. Each session gets its own
// client and cookie jar.
type HTTP struct{}

// NewHTTP creates a plain-HTTP Browser.
func NewHTTP() *HTTP { return &HTTP{} }

// Name implements Browser.
func (h *HTTP) Name() string { return "http" }

// Open builds a fresh client for one session.
func (h *HTTP) Open(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "opening http session")
	}

	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating cookie jar")
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	if opts.UserAgent != "" {
		client.SetHeader("user-agent", opts.UserAgent)
	}
	client.SetHeader("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if opts.AcceptLanguage != "" {
		client.SetHeader("accept-language", opts.AcceptLanguage)
	}
	if opts.DisableCache {
		client.SetHeader("cache-control", "no-cache")
		client.SetHeader("pragma", "no-cache")
	}
	if opts.NavigationTimeout > 0 {
		client.SetTimeout(opts.NavigationTimeout)
	}

	return &httpSession{client: client}, nil
}

type httpSession struct {
	client *resty.Client
	doc    *goquery.Document
	html   string
}

func (s *httpSession) Navigate(ctx context.Context, url string) error {
	res, err := s.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return asTimeout(ctx, errors.Wrapf(err, "fetching %s", url))
	}
	if res.IsError() {
		return errors.Newf("fetching %s: unexpected status %d", url, res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return errors.Wrapf(err, "parsing %s", url)
	}
	s.doc = doc
	s.html = string(res.Body())
	return nil
}

// WaitFor checks the loaded document once. Without scripts nothing appears
// later, so a miss is reported as a timeout.
func (s *httpSession) WaitFor(ctx context.Context, selector string) error {
	if s.doc == nil {
		return errors.New("no page loaded")
	}
	if err := ctx.Err(); err != nil {
		return asTimeout(ctx, err)
	}
	if s.doc.Find(selector).Length() == 0 {
		return errors.Wrapf(ErrTimeout, "waiting for %q", selector)
	}
	return nil
}

func (s *httpSession) Text(_ context.Context, selector string) (string, error) {
	if s.doc == nil {
		return "", errors.New("no page loaded")
	}
	sel := s.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", errors.Wrapf(ErrNotFound, "selector %q", selector)
	}
	return strings.TrimSpace(sel.Text()), nil
}

func (s *httpSession) HTML(context.Context) (string, error) {
	if s.doc == nil {
		return "", errors.New("no page loaded")
	}
	return s.html, nil
}

func (s *httpSession) Close() error {
	s.client.GetClient().CloseIdleConnections()
	s.doc = nil
	return nil
}
