// Package store persists stage artifacts, one file per processed item.
//
// The presence of a file is the checkpoint: a stage never keeps a separate
// "processed" index. Writes go to a temporary file in the same directory and
// are renamed into place, so a crash can leave a stray temp file but never a
// truncated artifact under its final name.
package store

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

const tempPrefix = ".tmp-"

// Dir is one stage's output directory.
type Dir struct {
	root string
}

// Open creates dir if needed and clears temp files left by an interrupted write.
func Open(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating artifact directory %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading artifact directory %s", dir)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}

	return &Dir{root: dir}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.root
}

// Path returns the final path for an artifact name.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, name)
}

// Exists reports whether a completed artifact is stored under name.
func (d *Dir) Exists(name string) (bool, error) {
	info, err := os.Stat(d.Path(name))
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "checking artifact %s", name)
}

// Read returns the content of an artifact.
func (d *Dir) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(d.Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "reading artifact %s", name)
	}
	return data, nil
}

// Write stores data under name atomically.
func (d *Dir) Write(name string, data []byte) error {
	return d.WriteFunc(name, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	})
}

// WriteFunc streams an artifact through fn. If fn fails, nothing appears
// under name and the partial temp file is removed.
func (d *Dir) WriteFunc(name string, fn func(w io.Writer) error) (err error) {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) || strings.HasPrefix(name, tempPrefix) {
		return errors.Newf("invalid artifact name %q", name)
	}

	tmp, err := os.CreateTemp(d.root, tempPrefix+name+"-*")
	if err != nil {
		return errors.Wrapf(err, "creating temp file for %s", name)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err = fn(tmp); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", name)
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", name)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return errors.Wrapf(err, "setting permissions on %s", name)
	}
	if err = os.Rename(tmpName, d.Path(name)); err != nil {
		return errors.Wrapf(err, "committing %s", name)
	}
	return nil
}

// List returns completed artifact names with the given extension, sorted.
// An empty ext lists every artifact.
func (d *Dir) List(ext string) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", d.root)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		if ext != "" && filepath.Ext(name) != ext {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Stem strips the extension from an artifact name.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
