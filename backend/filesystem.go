package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// tempPrefix marks in-progress writes. List never returns them.
const tempPrefix = ".tmp-"

// Filesystem stores each key as a file under a root directory. A key is a
// slash-separated path; its last element is the file name and the rest is
// the directory. Writes land with temp file and rename so readers never see
// a partial value.
type Filesystem struct {
	root  string
	fsync bool
}

// FilesystemOption configures a Filesystem.
type FilesystemOption func(*Filesystem)

// WithoutFsync skips the fsync before rename. A crash can then lose writes
// that were already acknowledged, so this is for tests.
func WithoutFsync() FilesystemOption {
	return func(f *Filesystem) {
		f.fsync = false
	}
}

// NewFilesystem returns a backend rooted at dir, creating dir if needed.
func NewFilesystem(dir string, opts ...FilesystemOption) (*Filesystem, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating %s: %w", root, err)
	}

	f := &Filesystem{root: root, fsync: true}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Root returns the absolute root directory.
func (f *Filesystem) Root() string {
	return f.root
}

func (f *Filesystem) Write(_ context.Context, key string, r io.Reader) error {
	dst, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := f.replace(dst, r); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// replace writes r to a sibling temp file and renames it over dst.
func (f *Filesystem) replace(dst string, r io.Reader) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return err
	}
	if f.fsync {
		if err = tmp.Sync(); err != nil {
			return err
		}
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (f *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p) //nolint:gosec // confined to root by resolve
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return file, nil
}

// Delete removes key. Removing a missing key is not an error.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	p, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// List returns the keys stored directly under the directory prefix in
// lexical order. Subdirectories are not descended into. A missing directory
// lists as empty.
func (f *Filesystem) List(_ context.Context, prefix string) ([]string, error) {
	dir, err := f.resolve(prefix)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	// os.ReadDir sorts by file name, which keeps keys in lexical order.
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		keys = append(keys, path.Join(prefix, e.Name()))
	}
	return keys, nil
}

// resolve maps key onto the filesystem and refuses anything that would land
// outside root.
func (f *Filesystem) resolve(key string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("key %q escapes backend root", key)
	}
	return filepath.Join(f.root, filepath.FromSlash(key)), nil
}

var _ Backend = (*Filesystem)(nil)
