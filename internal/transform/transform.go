// Package transform turns acquired records into TRIZ analyses and analyses
// into publishable articles, one language-model call per item.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/acquire"
	"github.com/TobiSchelling/trizwire/internal/llm"
	"github.com/TobiSchelling/trizwire/internal/logging"
	"github.com/TobiSchelling/trizwire/internal/store"
)

// DefaultTemperature is used by both passes.
const DefaultTemperature = 0.7

// ErrUpstreamFailed means the input artifact itself records a failure.
var ErrUpstreamFailed = errors.New("upstream artifact records a failure")

// Acquired is one loaded acquisition artifact.
type Acquired struct {
	File   string
	Record *acquire.Record
}

// AnalysisName is the analysis artifact name for an acquired file.
func AnalysisName(a Acquired) (string, error) {
	if a.Record == nil {
		return "", errors.Newf("%s: no record", a.File)
	}
	return store.Stem(a.File) + "_" + store.SanitizeTitle(a.Record.Title, store.MaxTitleLen) + ".txt", nil
}

// LoadAcquired reads every acquisition artifact in dir. Unreadable files are
// logged and left out.
func LoadAcquired(dir *store.Dir, logger *zap.SugaredLogger) ([]Acquired, error) {
	log := logging.OrNop(logger)
	names, err := dir.List(".json")
	if err != nil {
		return nil, err
	}
	var out []Acquired
	for _, name := range names {
		data, err := dir.Read(name)
		if err != nil {
			log.Warnw("Skipping unreadable record", "file", name, "error", err)
			continue
		}
		rec, err := acquire.Load(data)
		if err != nil {
			log.Warnw("Skipping invalid record", "file", name, "error", err)
			continue
		}
		out = append(out, Acquired{File: name, Record: rec})
	}
	return out, nil
}

// Analyzer runs the analysis pass.
type Analyzer struct {
	provider    llm.Provider
	temperature float64
	now         func() time.Time
	logger      *zap.SugaredLogger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(provider llm.Provider, temperature float64, logger *zap.SugaredLogger) *Analyzer {
	return &Analyzer{
		provider:    provider,
		temperature: temperature,
		now:         time.Now,
		logger:      logging.OrNop(logger),
	}
}

// Process analyzes one acquired record. A failing model call still yields
// an artifact, tagged with ErrorMarker.
func (a *Analyzer) Process(ctx context.Context, item Acquired) ([]byte, error) {
	rec := item.Record
	if rec == nil {
		return nil, errors.Newf("%s: no record", item.File)
	}

	out := &Analysis{
		Title:           rec.Title,
		URL:             rec.URL,
		PublicationDate: rec.PublicationDate,
		AnalyzedAt:      a.now().Format(time.RFC3339),
		Content:         rec.Content,
	}

	messages := []llm.Message{
		llm.System(analysisSystemPrompt),
		llm.User(fmt.Sprintf(analysisPrompt, rec.Title, rec.Content, rec.URL)),
	}
	text, err := a.provider.Chat(ctx, messages, a.temperature)
	if err != nil {
		a.logger.Warnw("Analysis call failed, recording error artifact", "file", item.File, "error", err)
		out.Text = "Error analyzing article: " + err.Error()
		out.IsError = true
	} else {
		out.Text = text
	}
	return out.Render(), nil
}

// AnalysisFile is one loaded analysis artifact.
type AnalysisFile struct {
	File     string
	Analysis *Analysis
}

// ArticleName is the generated artifact name for an analysis.
func ArticleName(a AnalysisFile) (string, error) {
	if a.Analysis == nil {
		return "", errors.Newf("%s: no analysis", a.File)
	}
	return store.SanitizeTitle(a.Analysis.Title, store.MaxTitleLen) + ".md", nil
}

// LoadAnalyses reads every analysis artifact in dir.
func LoadAnalyses(dir *store.Dir, logger *zap.SugaredLogger) ([]AnalysisFile, error) {
	log := logging.OrNop(logger)
	names, err := dir.List(".txt")
	if err != nil {
		return nil, err
	}
	var out []AnalysisFile
	for _, name := range names {
		data, err := dir.Read(name)
		if err != nil {
			log.Warnw("Skipping unreadable analysis", "file", name, "error", err)
			continue
		}
		an, err := ParseAnalysis(data)
		if err != nil {
			log.Warnw("Skipping malformed analysis", "file", name, "error", err)
			continue
		}
		out = append(out, AnalysisFile{File: name, Analysis: an})
	}
	return out, nil
}

// Generator runs the article generation pass.
type Generator struct {
	provider    llm.Provider
	temperature float64
	logger      *zap.SugaredLogger
}

// NewGenerator creates a Generator.
func NewGenerator(provider llm.Provider, temperature float64, logger *zap.SugaredLogger) *Generator {
	return &Generator{
		provider:    provider,
		temperature: temperature,
		logger:      logging.OrNop(logger),
	}
}

// Process writes one article. Analyses that recorded a failure are refused
// so they are picked up again once the analysis is redone.
func (g *Generator) Process(ctx context.Context, item AnalysisFile) ([]byte, error) {
	an := item.Analysis
	if an == nil {
		return nil, errors.Newf("%s: no analysis", item.File)
	}
	if an.IsError {
		return nil, errors.Wrapf(ErrUpstreamFailed, "%s", item.File)
	}

	messages := []llm.Message{
		llm.System(generationSystemPrompt),
		llm.User(fmt.Sprintf(generationPrompt, an.Title, an.URL, an.Text)),
	}
	text, err := g.provider.Chat(ctx, messages, g.temperature)
	if err != nil {
		g.logger.Warnw("Generation call failed, recording error artifact", "file", item.File, "error", err)
		return []byte(ErrorMarker + "\nError generating article: " + err.Error() + "\n"), nil
	}
	return []byte(text), nil
}

// DoneUnlessError treats an artifact as complete when it exists and, if
// redoErrors is set, does not record a collaborator failure.
func DoneUnlessError(dir *store.Dir, redoErrors bool) func(name string) (bool, error) {
	return func(name string) (bool, error) {
		ok, err := dir.Exists(name)
		if err != nil || !ok || !redoErrors {
			return ok, err
		}
		data, err := dir.Read(name)
		if err != nil {
			return false, err
		}
		return !IsErrorArtifact(data), nil
	}
}
