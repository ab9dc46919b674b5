package pipeline

import (
	"fmt"

	"github.com/TobiSchelling/trizwire/internal/acquire"
	"github.com/TobiSchelling/trizwire/internal/feed"
	"github.com/TobiSchelling/trizwire/internal/store"
	"github.com/TobiSchelling/trizwire/internal/transform"
)

// StageStatus describes one stage directory.
type StageStatus struct {
	Name      string
	Dir       string
	Artifacts int
	Errors    int
}

// Status counts the artifacts of every stage.
func (p *Pipeline) Status() ([]StageStatus, error) {
	d := p.Dirs()
	stageDirs := []struct {
		name, dir, ext string
	}{
		{StepFeed, d.Feed, ".json"},
		{StepAcquire, d.Acquired, ".json"},
		{StepAnalyze, d.Analysis, ".txt"},
		{StepGenerate, d.Articles, ".md"},
	}

	var out []StageStatus
	for _, s := range stageDirs {
		dir, err := store.Open(s.dir)
		if err != nil {
			return nil, err
		}
		names, err := dir.List(s.ext)
		if err != nil {
			return nil, err
		}
		st := StageStatus{Name: s.name, Dir: s.dir, Artifacts: len(names)}
		if s.ext != ".json" {
			for _, n := range names {
				data, err := dir.Read(n)
				if err == nil && transform.IsErrorArtifact(data) {
					st.Errors++
				}
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// DryRun shows what would be done without executing.
func (p *Pipeline) DryRun() *Result {
	d := p.Dirs()
	r := &Result{}

	var items []feed.Item
	if dir, err := store.Open(d.Feed); err == nil {
		if fd, err := feed.Load(dir); err == nil {
			items = fd.Items
		}
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    StepFeed,
		Summary: fmt.Sprintf("[dry-run] Would fetch %s (last snapshot has %d items)", p.cfg.Feed.URL, len(items)),
	})

	pending := 0
	if dir, err := store.Open(d.Acquired); err == nil {
		for _, it := range items {
			if it.Link == "" {
				continue
			}
			if ok, _ := dir.Exists(acquire.FileName(it.Link)); !ok {
				pending++
			}
		}
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    StepAcquire,
		Summary: fmt.Sprintf("[dry-run] %d of %d snapshot items need acquiring", pending, len(items)),
	})

	r.Steps = append(r.Steps, p.dryTransform(StepAnalyze, d.Acquired, d.Analysis))
	r.Steps = append(r.Steps, p.dryTransform(StepGenerate, d.Analysis, d.Articles))
	return r
}

func (p *Pipeline) dryTransform(name, inDir, outDir string) StepResult {
	in, err := store.Open(inDir)
	if err != nil {
		return StepResult{Name: name, Err: err}
	}
	out, err := store.Open(outDir)
	if err != nil {
		return StepResult{Name: name, Err: err}
	}
	done := transform.DoneUnlessError(out, p.cfg.Transform.RedoErrors)

	var total, pending int
	switch name {
	case StepAnalyze:
		items, lerr := transform.LoadAcquired(in, nil)
		if lerr != nil {
			return StepResult{Name: name, Err: lerr}
		}
		total = len(items)
		pending = countPending(items, transform.AnalysisName, done)
	default:
		items, lerr := transform.LoadAnalyses(in, nil)
		if lerr != nil {
			return StepResult{Name: name, Err: lerr}
		}
		total = len(items)
		pending = countPending(items, transform.ArticleName, done)
	}
	return StepResult{
		Name:    name,
		Summary: fmt.Sprintf("[dry-run] %d of %d inputs need processing", pending, total),
	}
}
