package transform

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrorMarker opens every artifact that records a collaborator failure
// instead of real output.
const ErrorMarker = "<!-- trizwire:collaborator-error -->"

const (
	headerTitle    = "Original Article Title: "
	headerURL      = "Original Article URL: "
	headerDate     = "Publication Date: "
	headerAnalyzed = "Analyzed At: "
	headerLength   = "Content Length: "

	contentMarker  = "Original Content:\n"
	analysisMarker = "Analysis:\n"
)

// Earlier files labelled the section after the model vendor.
var legacyAnalysisMarkers = []string{"DeepSeek Analysis:\n", "GPT Analysis:\n"}

// Analysis is the parsed form of an analysis artifact.
type Analysis struct {
	Title           string
	URL             string
	PublicationDate string
	AnalyzedAt      string
	Content         string
	Text            string
	IsError         bool
}

// Render writes a in the analysis artifact layout.
func (a *Analysis) Render() []byte {
	var b bytes.Buffer
	if a.IsError {
		b.WriteString(ErrorMarker + "\n")
	}
	b.WriteString(headerTitle + a.Title + "\n")
	b.WriteString(headerURL + a.URL + "\n")
	b.WriteString(headerDate + a.PublicationDate + "\n")
	if a.AnalyzedAt != "" {
		b.WriteString(headerAnalyzed + a.AnalyzedAt + "\n")
	}
	// The byte length lets the parser split sections even when the content
	// itself contains an "Analysis:" line.
	b.WriteString(headerLength + strconv.Itoa(len(a.Content)) + "\n")
	b.WriteString("\n" + contentMarker)
	b.WriteString(a.Content)
	b.WriteString("\n\n" + analysisMarker)
	b.WriteString(a.Text)
	return b.Bytes()
}

// ParseAnalysis reads an analysis artifact.
func ParseAnalysis(data []byte) (*Analysis, error) {
	a := &Analysis{}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if rest, ok := strings.CutPrefix(text, ErrorMarker+"\n"); ok {
		a.IsError = true
		text = rest
	}

	header, body, ok := strings.Cut(text, "\n"+contentMarker)
	if !ok {
		return nil, errors.New("analysis has no original content section")
	}
	length := -1
	for _, line := range strings.Split(header, "\n") {
		switch {
		case strings.HasPrefix(line, headerLength):
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, headerLength))); err == nil && n >= 0 {
				length = n
			}
		case strings.HasPrefix(line, headerTitle):
			a.Title = strings.TrimSpace(strings.TrimPrefix(line, headerTitle))
		case strings.HasPrefix(line, headerURL):
			a.URL = strings.TrimSpace(strings.TrimPrefix(line, headerURL))
		case strings.HasPrefix(line, headerDate):
			a.PublicationDate = strings.TrimSpace(strings.TrimPrefix(line, headerDate))
		case strings.HasPrefix(line, headerAnalyzed):
			a.AnalyzedAt = strings.TrimSpace(strings.TrimPrefix(line, headerAnalyzed))
		}
	}
	if a.Title == "" {
		return nil, errors.New("analysis has no title")
	}

	if content, analysis, found := cutAt(body, length); found {
		a.Content, a.Text = content, analysis
		return a, nil
	}
	content, analysis, found := cutSection(body)
	if !found {
		return nil, errors.New("analysis has no analysis section")
	}
	a.Content = strings.TrimSuffix(content, "\n")
	a.Text = analysis
	return a, nil
}

// cutAt splits body after length bytes of content, provided an analysis
// marker follows there.
func cutAt(body string, length int) (before, after string, found bool) {
	if length < 0 || length > len(body) {
		return "", "", false
	}
	rest, ok := strings.CutPrefix(body[length:], "\n\n")
	if !ok {
		return "", "", false
	}
	for _, m := range append([]string{analysisMarker}, legacyAnalysisMarkers...) {
		if text, ok := strings.CutPrefix(rest, m); ok {
			return body[:length], text, true
		}
	}
	return "", "", false
}

// cutSection splits at the first analysis marker line. Files written
// without a content length are read this way.
func cutSection(body string) (before, after string, found bool) {
	idx := -1
	size := 0
	for _, m := range append([]string{analysisMarker}, legacyAnalysisMarkers...) {
		var i int
		if strings.HasPrefix(body, m) {
			i = 0
		} else {
			i = strings.Index(body, "\n"+m)
			if i < 0 {
				continue
			}
			i++
		}
		if idx < 0 || i < idx {
			idx, size = i, len(m)
		}
	}
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSuffix(body[:idx], "\n"), body[idx+size:], true
}

// IsErrorArtifact reports whether data records a collaborator failure.
func IsErrorArtifact(data []byte) bool {
	return bytes.HasPrefix(data, []byte(ErrorMarker))
}
