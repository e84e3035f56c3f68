// Package local archives crawl captures on the local filesystem, for
// development and single-node runs.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Config names the capture root directory.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes objects beneath BaseDir. Paths are resolved through an
// os.Root, so no object can land outside it.
type BlobStore struct {
	root    *os.Root
	baseDir string
}

// New creates BaseDir if needed and opens it as the store root.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("storage.base_dir is required")
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open base dir: %w", err)
	}
	return &BlobStore{root: root, baseDir: abs}, nil
}

// PutObject writes r to a temporary sibling and renames it into place, so
// readers never see a partial capture.
func (s *BlobStore) PutObject(ctx context.Context, name string, _ string, r io.Reader) (string, error) {
	name = path.Clean("/" + strings.TrimSpace(name))[1:]
	if name == "" || name == "." {
		return "", fmt.Errorf("path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if dir := path.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create parent dirs for %s: %w", name, err)
		}
	}
	tmp := name + ".partial"
	f, err := s.root.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		return "", errors.Join(fmt.Errorf("write %s: %w", name, err), f.Close(), s.root.Remove(tmp))
	}
	if err := f.Close(); err != nil {
		return "", errors.Join(fmt.Errorf("close %s: %w", name, err), s.root.Remove(tmp))
	}
	if err := s.root.Rename(tmp, name); err != nil {
		return "", errors.Join(fmt.Errorf("rename %s: %w", name, err), s.root.Remove(tmp))
	}
	return "file://" + filepath.Join(s.baseDir, filepath.FromSlash(name)), nil
}

// Close releases the root directory handle.
func (s *BlobStore) Close() error {
	return s.root.Close()
}
