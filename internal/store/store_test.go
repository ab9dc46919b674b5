package store

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "stage"))
	require.NoError(t, err)
	return d
}

func TestOpenCreatesDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")
	d, err := Open(root)
	require.NoError(t, err)

	info, err := os.Stat(d.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestOpenFailsWhenPathIsAFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Open(filepath.Join(file, "stage"))
	assert.Error(t, err)
}

func TestWriteAndRead(t *testing.T) {
	d := openTestDir(t)

	ok, err := d.Exists("article_1.json")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Write("article_1.json", []byte(`{"title":"x"}`)))

	ok, err = d.Exists("article_1.json")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := d.Read("article_1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"title":"x"}`, string(data))
}

func TestWriteFuncCrashLeavesNoArtifact(t *testing.T) {
	d := openTestDir(t)

	err := d.WriteFunc("article_2.json", func(w io.Writer) error {
		_, _ = io.WriteString(w, `{"title":"half`)
		return errors.New("process killed")
	})
	require.Error(t, err)

	ok, err := d.Exists("article_2.json")
	require.NoError(t, err)
	assert.False(t, ok, "a failed write must not leave a file at the final path")

	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file should be cleaned up")
}

func TestWriteReplacesAtomically(t *testing.T) {
	d := openTestDir(t)
	require.NoError(t, d.Write("a.md", []byte("first")))
	require.NoError(t, d.Write("a.md", []byte("second")))

	data, err := d.Read("a.md")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestStaleTempFilesIgnoredAndCleaned(t *testing.T) {
	root := filepath.Join(t.TempDir(), "stage")
	require.NoError(t, os.MkdirAll(root, 0o755))
	stale := filepath.Join(root, tempPrefix+"article_3.json-123")
	require.NoError(t, os.WriteFile(stale, []byte(`{"tit`), 0o644))

	d, err := Open(root)
	require.NoError(t, err)

	ok, err := d.Exists("article_3.json")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale temp file should be removed on open")
}

func TestListSkipsTempsAndFiltersExt(t *testing.T) {
	d := openTestDir(t)
	require.NoError(t, d.Write("b.json", []byte("{}")))
	require.NoError(t, d.Write("a.json", []byte("{}")))
	require.NoError(t, d.Write("notes.txt", []byte("x")))
	require.NoError(t, os.WriteFile(filepath.Join(d.Root(), tempPrefix+"c.json-1"), []byte("{"), 0o644))

	names, err := d.List(".json")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, names)

	all, err := d.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestWriteRejectsBadNames(t *testing.T) {
	d := openTestDir(t)
	assert.Error(t, d.Write("", []byte("x")))
	assert.Error(t, d.Write("../escape.json", []byte("x")))
	assert.Error(t, d.Write(tempPrefix+"x", []byte("x")))
}

func TestSanitizeTitle(t *testing.T) {
	assert.Equal(t, "Quantum_dots_glow-up", SanitizeTitle("Quantum dots: glow-up!", 100))
	assert.Equal(t, "Trailing", SanitizeTitle("Trailing   ", 100))
	assert.Equal(t, "untitled", SanitizeTitle("???", 100))
	assert.Equal(t, "Écoles_à_Paris", SanitizeTitle("Écoles à Paris", 100))

	long := strings.Repeat("a", 150)
	assert.Len(t, SanitizeTitle(long, MaxTitleLen), MaxTitleLen)
}

func TestSanitizeTitleBoundsBytes(t *testing.T) {
	title := SanitizeTitle(strings.Repeat("量子", 50), MaxTitleLen)
	assert.LessOrEqual(t, len(title), MaxTitleBytes)
	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, strings.Repeat("量子", 26)+"量", title)

	d := openTestDir(t)
	name := "article_0123456789ab_" + title + ".txt"
	require.NoError(t, d.Write(name, []byte("ok")))
	ok, err := d.Exists(name)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLinkKeyStable(t *testing.T) {
	a := LinkKey("https://phys.org/news/a.html")
	assert.Len(t, a, 12)
	assert.Equal(t, a, LinkKey(" https://phys.org/news/a.html "))
	assert.NotEqual(t, a, LinkKey("https://phys.org/news/b.html"))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "article_abc", Stem("article_abc.json"))
	assert.Equal(t, "noext", Stem("noext"))
}
