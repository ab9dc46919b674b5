package server

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/logging"
	"github.com/TobiSchelling/trizwire/internal/store"
	"github.com/TobiSchelling/trizwire/internal/transform"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Article is a published markdown artifact.
type Article struct {
	Slug     string
	Title    string
	Summary  string
	Modified time.Time
	Body     string
}

// Server is the HTTP server for reading generated articles.
type Server struct {
	dir   *store.Dir
	pages map[string]*template.Template
	mux   *http.ServeMux
	log   *zap.SugaredLogger
}

// New creates a new Server reading articles from dir.
func New(dir *store.Dir, logger *zap.SugaredLogger) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"date": func(t time.Time) string {
			return t.Format("January 2, 2006")
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, errors.Wrap(err, "parsing base template")
	}

	// Each page gets its own clone of base so its blocks do not collide.
	pageNames := []string{"index.html", "article.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, errors.Wrapf(err, "cloning base for %s", name)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, errors.Wrapf(err, "parsing template %s", name)
		}
		pages[name] = clone
	}

	s := &Server{dir: dir, pages: pages, mux: http.NewServeMux(), log: logging.OrNop(logger)}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/article/", s.handleArticle)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	articles, err := s.Articles()
	if err != nil {
		s.log.Errorw("Listing articles failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data := map[string]any{"Articles": articles}
	if len(articles) > 0 {
		data["Featured"] = articles[0]
		data["Latest"] = articles[1:]
	}
	s.render(w, "index.html", data)
}

func (s *Server) handleArticle(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Path, "/article/")
	if slug == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if strings.ContainsAny(slug, `/\`) || strings.HasPrefix(slug, ".") {
		http.NotFound(w, r)
		return
	}

	a, err := s.load(slug + ".md")
	if err != nil || a == nil {
		http.NotFound(w, r)
		return
	}
	s.render(w, "article.html", map[string]any{"Article": a})
}

// Articles lists published articles, newest first. Artifacts recording a
// generation failure are left out.
func (s *Server) Articles() ([]Article, error) {
	names, err := s.dir.List(".md")
	if err != nil {
		return nil, err
	}
	var out []Article
	for _, name := range names {
		a, err := s.load(name)
		if err != nil {
			s.log.Warnw("Skipping unreadable article", "file", name, "error", err)
			continue
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Modified.After(out[j].Modified)
	})
	return out, nil
}

// load returns nil without error for error artifacts.
func (s *Server) load(name string) (*Article, error) {
	data, err := s.dir.Read(name)
	if err != nil {
		return nil, err
	}
	if transform.IsErrorArtifact(data) {
		return nil, nil
	}
	info, err := os.Stat(s.dir.Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", name)
	}

	body := string(data)
	title, summary := metadata(body)
	if title == "" {
		title = strings.ReplaceAll(store.Stem(name), "_", " ")
	}
	return &Article{
		Slug:     store.Stem(name),
		Title:    title,
		Summary:  summary,
		Modified: info.ModTime(),
		Body:     body,
	}, nil
}

// metadata takes the first line as title and the first non-heading line
// after it as summary.
func metadata(content string) (title, summary string) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return "", ""
	}
	title = strings.TrimSpace(strings.ReplaceAll(lines[0], "#", ""))
	for _, line := range lines[1:] {
		l := strings.TrimSpace(line)
		if l != "" && !strings.HasPrefix(l, "#") {
			summary = l
			break
		}
	}
	return title, summary
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Errorw("Template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.log.Errorw("Error rendering template", "template", name, "error", err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port and stops when ctx is done.
func Serve(ctx context.Context, dir *store.Dir, port int, logger *zap.SugaredLogger) error {
	srv, err := New(dir, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	hs := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	srv.log.Infow("Server listening", "url", "http://"+addr, "articles", dir.Root())
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serving")
	}
	return nil
}
