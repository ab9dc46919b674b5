package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/acquire"
	"github.com/TobiSchelling/trizwire/internal/config"
	"github.com/TobiSchelling/trizwire/internal/feed"
	"github.com/TobiSchelling/trizwire/internal/llm"
	"github.com/TobiSchelling/trizwire/internal/logging"
	"github.com/TobiSchelling/trizwire/internal/pace"
	"github.com/TobiSchelling/trizwire/internal/render"
	"github.com/TobiSchelling/trizwire/internal/retry"
	"github.com/TobiSchelling/trizwire/internal/stage"
	"github.com/TobiSchelling/trizwire/internal/store"
	"github.com/TobiSchelling/trizwire/internal/transform"
)

// Step names.
const (
	StepFeed     = "Feed"
	StepAcquire  = "Acquire"
	StepAnalyze  = "Analyze"
	StepGenerate = "Generate"
)

// ErrNoProvider means a transformation stage has no usable language model.
var ErrNoProvider = errors.New("no language model provider available")

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Stage   stage.Result
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	Steps []StepResult
}

// Failed reports whether any step hit an environment failure.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Dirs are the per-stage artifact directories.
type Dirs struct {
	Feed     string
	Acquired string
	Analysis string
	Articles string
}

// Deps are the collaborators a Pipeline talks to. Zero fields are built
// from the config.
type Deps struct {
	Browser    render.Browser
	Identity   render.IdentityProvider
	Analysis   llm.Provider
	Generation llm.Provider
	Sleeper    pace.Sleeper
	Rand       *rand.Rand
	Now        func() time.Time
	Logger     *zap.SugaredLogger
}

// Pipeline orchestrates feed, acquisition, analysis and generation.
type Pipeline struct {
	cfg    *config.Config
	deps   Deps
	jitter *pace.Jitter
	log    *zap.SugaredLogger
}

// New creates a new pipeline.
func New(cfg *config.Config, deps Deps) *Pipeline {
	deps.Logger = logging.OrNop(deps.Logger)
	if deps.Sleeper == nil {
		deps.Sleeper = pace.Clock{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Identity == nil {
		deps.Identity = render.NewRandomIdentity(cfg.Acquisition.Identity, nil, deps.Logger.Named("identity"))
	}
	if deps.Browser == nil {
		switch cfg.Acquisition.Renderer {
		case "http":
			deps.Browser = render.NewHTTP()
		default:
			deps.Browser = render.NewChrome(cfg.Acquisition.ChromePath, deps.Logger.Named("chrome"))
		}
	}

	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		jitter: pace.NewJitter(deps.Rand, cfg.Acquisition.Delays.InterItem, cfg.Acquisition.Delays.PreNavigation),
		log:    deps.Logger,
	}
}

// Dirs returns the configured stage directories.
func (p *Pipeline) Dirs() Dirs {
	return Dirs{
		Feed:     p.cfg.StageDir(p.cfg.Output.FeedDir),
		Acquired: p.cfg.StageDir(p.cfg.Output.AcquiredDir),
		Analysis: p.cfg.StageDir(p.cfg.Output.AnalysisDir),
		Articles: p.cfg.StageDir(p.cfg.Output.ArticlesDir),
	}
}

// Run executes every stage in order. A stage that cannot start stops the run;
// per-item failures never do.
func (p *Pipeline) Run(ctx context.Context) *Result {
	d := p.Dirs()
	r := &Result{}

	p.log.Info("Step 1/4: Fetching feed...")
	items, step := p.FetchFeed(ctx, d.Feed)
	r.Steps = append(r.Steps, step)
	if step.Err != nil || ctx.Err() != nil {
		return r
	}

	p.log.Info("Step 2/4: Acquiring pages...")
	step = p.Acquire(ctx, items, d.Acquired)
	r.Steps = append(r.Steps, step)
	if step.Err != nil || ctx.Err() != nil {
		return r
	}

	p.log.Info("Step 3/4: Analyzing articles...")
	step = p.Analyze(ctx, d.Acquired, d.Analysis)
	r.Steps = append(r.Steps, step)
	if step.Err != nil || ctx.Err() != nil {
		return r
	}

	p.log.Info("Step 4/4: Generating articles...")
	step = p.Generate(ctx, d.Analysis, d.Articles)
	r.Steps = append(r.Steps, step)
	return r
}

// FetchFeed downloads the feed and freezes it into dir. If the download
// fails, the previous snapshot is used when one exists.
func (p *Pipeline) FetchFeed(ctx context.Context, dir string) ([]feed.Item, StepResult) {
	out, err := store.Open(dir)
	if err != nil {
		return nil, StepResult{Name: StepFeed, Err: err}
	}

	delay := pace.JitterWaiter{
		Jitter:  pace.NewJitter(p.deps.Rand, p.cfg.Feed.Delay, pace.Range{}),
		Kind:    pace.InterItem,
		Sleeper: p.deps.Sleeper,
	}
	fetcher := feed.NewFetcher(p.deps.Identity, delay, p.cfg.Feed.Limit, p.cfg.Feed.Timeout, p.log.Named("feed"))

	fd, err := fetcher.Fetch(ctx, p.cfg.Feed.URL)
	if err != nil {
		prev, lerr := feed.Load(out)
		if lerr != nil {
			return nil, StepResult{Name: StepFeed, Err: err}
		}
		p.log.Warnw("Feed fetch failed, using previous snapshot",
			"url", p.cfg.Feed.URL, "error", err, "snapshot_taken", prev.LastUpdated)
		return prev.Items, StepResult{
			Name:    StepFeed,
			Summary: fmt.Sprintf("Feed unavailable, reused snapshot with %d items", len(prev.Items)),
		}
	}

	if err := feed.Save(out, fd); err != nil {
		return nil, StepResult{Name: StepFeed, Err: err}
	}
	return fd.Items, StepResult{
		Name:    StepFeed,
		Summary: fmt.Sprintf("Fetched %d items from %s", len(fd.Items), fd.Title),
	}
}

// LoadFeed returns the items of the snapshot in dir.
func (p *Pipeline) LoadFeed(dir string) ([]feed.Item, error) {
	out, err := store.Open(dir)
	if err != nil {
		return nil, err
	}
	fd, err := feed.Load(out)
	if err != nil {
		return nil, errors.Wrap(err, "no feed snapshot; run 'trizwire feed' first")
	}
	return fd.Items, nil
}

func (p *Pipeline) newAcquirer() *acquire.Acquirer {
	a := p.cfg.Acquisition
	var st acquire.Strategy = a.Selectors
	if a.Strategy == "readability" {
		st = acquire.ReadabilityStrategy{Container: a.Selectors.Container}
	}

	opts := render.DefaultOptions()
	opts.Headless = a.Headless
	opts.NavigationTimeout = a.Timeouts.Navigation
	opts.ExtraChromiumFlags = a.ExtraFlags

	return acquire.New(p.deps.Browser, p.deps.Identity, st, p.jitter, a.Timeouts, p.log.Named("acquire"),
		acquire.WithOptions(opts),
		acquire.WithSleeper(p.deps.Sleeper),
		acquire.WithClock(p.deps.Now))
}

// Acquire fetches every item whose record is not yet in dir.
func (p *Pipeline) Acquire(ctx context.Context, items []feed.Item, dir string) StepResult {
	out, err := store.Open(dir)
	if err != nil {
		return StepResult{Name: StepAcquire, Err: err}
	}

	acq := p.newAcquirer()
	ctrl := retry.NewController(p.cfg.Retry, acquire.Classify, p.log.Named("retry"))
	ctrl.Sleeper = p.deps.Sleeper
	ctrl.Polite = func() time.Duration { return p.jitter.NextDelay(pace.InterItem) }

	runner := &stage.Runner[feed.Item]{
		Stage: "acquire",
		Out:   out,
		Name: func(item feed.Item) (string, error) {
			if item.Link == "" {
				return "", errors.Newf("item %q has no link", item.Title)
			}
			return acquire.FileName(item.Link), nil
		},
		Process: func(ctx context.Context, item feed.Item) ([]byte, error) {
			rec, st, err := retry.Do(ctx, ctrl, func(ctx context.Context, attempt int) (*acquire.Record, error) {
				return acq.Acquire(ctx, item.Link)
			})
			if err != nil {
				p.logGiveUp(item, st, err)
				return nil, err
			}
			return rec.Marshal()
		},
		Delay:  pace.JitterWaiter{Jitter: p.jitter, Kind: pace.InterItem, Sleeper: p.deps.Sleeper},
		Logger: p.log,
	}

	res, err := runner.Run(ctx, items)
	return StepResult{
		Name:    StepAcquire,
		Summary: summarize(res, "acquired"),
		Stage:   res,
		Err:     err,
	}
}

func (p *Pipeline) logGiveUp(item feed.Item, st retry.State, err error) {
	fields := []any{
		"url", item.Link,
		"attempts", st.Attempts,
		"elapsed", st.Elapsed.Round(time.Millisecond),
		"class", st.LastClass.String(),
		"error", err,
	}
	if st.LastClass == retry.Structural {
		// The full markup goes to the log file; the terminal clips it.
		if details := errors.GetAllDetails(err); len(details) > 0 {
			fields = append(fields, "page_html", details[0])
		}
	}
	p.log.Errorw("Giving up on item", fields...)
}

func (p *Pipeline) provider(current llm.Provider, s llm.Settings) (llm.Provider, error) {
	if current != nil {
		return current, nil
	}
	prov := llm.CreateProvider(s, p.log.Named("llm"))
	if prov == nil {
		return nil, errors.Wrapf(ErrNoProvider, "%s/%s (check %s)", s.Provider, s.Model, s.APIKeyEnv)
	}
	return prov, nil
}

// Analyze runs the analysis pass from the records in inDir into outDir.
func (p *Pipeline) Analyze(ctx context.Context, inDir, outDir string) StepResult {
	in, err := store.Open(inDir)
	if err != nil {
		return StepResult{Name: StepAnalyze, Err: err}
	}
	out, err := store.Open(outDir)
	if err != nil {
		return StepResult{Name: StepAnalyze, Err: err}
	}
	items, err := transform.LoadAcquired(in, p.log)
	if err != nil {
		return StepResult{Name: StepAnalyze, Err: err}
	}

	s := p.cfg.Analysis
	done := transform.DoneUnlessError(out, p.cfg.Transform.RedoErrors)
	if countPending(items, transform.AnalysisName, done) == 0 {
		return StepResult{Name: StepAnalyze, Summary: fmt.Sprintf("Nothing to analyze (%d done)", len(items)),
			Stage: stage.Result{Total: len(items), Skipped: len(items)}}
	}

	prov, err := p.provider(p.deps.Analysis, s)
	if err != nil {
		return StepResult{Name: StepAnalyze, Err: err}
	}

	analyzer := transform.NewAnalyzer(prov, s.Temperature, p.log.Named("analyze"))
	runner := &stage.Runner[transform.Acquired]{
		Stage:   "analyze",
		Out:     out,
		Name:    transform.AnalysisName,
		Process: analyzer.Process,
		Delay:   pace.NewRateWaiter(s.RequestsPerMinute),
		Done:    done,
		Logger:  p.log,
	}
	res, err := runner.Run(ctx, items)
	return StepResult{Name: StepAnalyze, Summary: summarize(res, "analyzed"), Stage: res, Err: err}
}

// Generate runs the article pass from the analyses in inDir into outDir.
func (p *Pipeline) Generate(ctx context.Context, inDir, outDir string) StepResult {
	in, err := store.Open(inDir)
	if err != nil {
		return StepResult{Name: StepGenerate, Err: err}
	}
	out, err := store.Open(outDir)
	if err != nil {
		return StepResult{Name: StepGenerate, Err: err}
	}
	items, err := transform.LoadAnalyses(in, p.log)
	if err != nil {
		return StepResult{Name: StepGenerate, Err: err}
	}

	s := p.cfg.Generation
	done := transform.DoneUnlessError(out, p.cfg.Transform.RedoErrors)
	if countPending(items, transform.ArticleName, done) == 0 {
		return StepResult{Name: StepGenerate, Summary: fmt.Sprintf("Nothing to generate (%d done)", len(items)),
			Stage: stage.Result{Total: len(items), Skipped: len(items)}}
	}

	prov, err := p.provider(p.deps.Generation, s)
	if err != nil {
		return StepResult{Name: StepGenerate, Err: err}
	}

	generator := transform.NewGenerator(prov, s.Temperature, p.log.Named("generate"))
	runner := &stage.Runner[transform.AnalysisFile]{
		Stage:   "generate",
		Out:     out,
		Name:    transform.ArticleName,
		Process: generator.Process,
		Delay:   pace.NewRateWaiter(s.RequestsPerMinute),
		Done:    done,
		Logger:  p.log,
	}
	res, err := runner.Run(ctx, items)
	return StepResult{Name: StepGenerate, Summary: summarize(res, "generated"), Stage: res, Err: err}
}

// countPending counts items whose artifact is not yet complete. Items that
// cannot be named or checked count as pending so the runner reports them.
func countPending[T any](items []T, name func(T) (string, error), done func(string) (bool, error)) int {
	n := 0
	for _, it := range items {
		nm, err := name(it)
		if err != nil {
			n++
			continue
		}
		if ok, err := done(nm); err != nil || !ok {
			n++
		}
	}
	return n
}

func summarize(res stage.Result, verb string) string {
	s := fmt.Sprintf("%d %s, %d skipped, %d failed (of %d)", res.Written, verb, res.Skipped, res.Failed, res.Total)
	if res.Interrupted {
		s += ", interrupted"
	}
	return s
}
