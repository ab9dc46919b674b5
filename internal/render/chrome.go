package render

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/logging"
)

const hideWebdriverScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// Chrome renders pages in a headless Chromium driven over the DevTools protocol.
type Chrome struct {
	// ExecPath overrides the browser binary; empty lets chromedp find one.
	ExecPath string
	logger   *zap.SugaredLogger
}

// NewChrome creates a Chromium-backed Browser.
func NewChrome(execPath string, logger *zap.SugaredLogger) *Chrome {
	return &Chrome{ExecPath: execPath, logger: logging.OrNop(logger)}
}

// Name implements Browser.
func (c *Chrome) Name() string { return "chromedp" }

// Open starts a fresh incognito browser process for one session.
func (c *Chrome) Open(ctx context.Context, opts Options) (Session, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("incognito", true),
	)
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.HideAutomation {
		allocOpts = append(allocOpts,
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("enable-automation", false),
		)
	}
	if opts.DisableCache {
		allocOpts = append(allocOpts,
			chromedp.Flag("disk-cache-size", "0"),
			chromedp.Flag("disable-application-cache", true),
		)
	}
	if c.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.ExecPath))
	}
	for _, f := range opts.ExtraChromiumFlags {
		name, value, ok := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if ok {
			allocOpts = append(allocOpts, chromedp.Flag(name, value))
		} else {
			allocOpts = append(allocOpts, chromedp.Flag(name, true))
		}
	}

	// The browser outlives the caller's Open context; Close tears it down.
	base := context.WithoutCancel(ctx)
	allocCtx, allocCancel := chromedp.NewExecAllocator(base, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(c.logger.Debugf),
		chromedp.WithErrorf(c.logger.Debugf),
	)

	s := &chromeSession{
		ctx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}

	setup := []chromedp.Action{network.Enable()}
	if opts.DisableCache {
		setup = append(setup, network.SetCacheDisabled(true))
	}
	if opts.AcceptLanguage != "" {
		setup = append(setup, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": opts.AcceptLanguage,
		}))
	}
	if opts.HideAutomation {
		setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriverScript).Do(ctx)
			return err
		}))
	}

	// The first Run allocates the browser and must use the session context
	// itself, not a derived one, or cancelling it would kill the browser.
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(browserCtx, setup...) }()
	select {
	case err := <-done:
		if err != nil {
			s.cancel()
			return nil, errors.Wrap(err, "starting browser")
		}
	case <-ctx.Done():
		s.cancel()
		return nil, asTimeout(ctx, errors.Wrap(ctx.Err(), "starting browser"))
	}

	return s, nil
}

type chromeSession struct {
	ctx    context.Context
	cancel func()
}

// bind runs actions on the browser context, bounded by the caller's deadline
// and cancellation.
func (s *chromeSession) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(s.ctx, dl)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := s.bind(ctx)
	defer cancel()
	return asTimeout(runCtx, chromedp.Run(runCtx, actions...))
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return errors.Wrapf(err, "navigating to %s", url)
	}
	return nil
}

// WaitFor returns once selector is present in the DOM, visible or not.
func (s *chromeSession) WaitFor(ctx context.Context, selector string) error {
	if err := s.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return errors.Wrapf(err, "waiting for %q", selector)
	}
	return nil
}

type textResult struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

func (s *chromeSession) Text(ctx context.Context, selector string) (string, error) {
	// Evaluate instead of chromedp.Text so a missing element answers at once
	// rather than blocking until the deadline.
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return el ? {found: true, text: el.innerText || el.textContent || ""} : {found: false, text: ""};
	})()`, selector)

	var res textResult
	if err := s.run(ctx, chromedp.Evaluate(js, &res)); err != nil {
		return "", errors.Wrapf(err, "reading text of %q", selector)
	}
	if !res.Found {
		return "", errors.Wrapf(ErrNotFound, "selector %q", selector)
	}
	return strings.TrimSpace(res.Text), nil
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", errors.Wrap(err, "reading document html")
	}
	return html, nil
}

func (s *chromeSession) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "closing browser")
	}
	return nil
}
