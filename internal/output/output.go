// Package output stores issued pass archives under their serial-addressed
// names so they can be downloaded later.
package output

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sensiblebit/passkit/internal/config"
)

// ErrNotFound is returned by Get when no archive exists under the name.
var ErrNotFound = errors.New("archive not found")

// Store persists archive bytes by name. Put replaces any previous archive
// atomically: readers see the old or the new bytes, never a partial file.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, name string) ([]byte, time.Time, error)
}

// ArchiveName returns the stored file name for a serial. The serial is
// path-escaped, so spaces and non-ASCII letters map to a portable name and
// distinct serials never collide.
func ArchiveName(serial string) string {
	return url.PathEscape(serial) + ".pkpass"
}

// ValidateName rejects names that could escape the output location.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid archive name %q", name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("archive name %q must not contain path separators", name)
	}
	return nil
}

// New opens the configured backend.
func New(ctx context.Context, cfg config.Output) (Store, error) {
	switch cfg.Backend {
	case config.OutputFilesystem:
		store, err := NewFilesystem(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.OutputMinIO:
		m, err := NewMinIO(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown output backend %q", cfg.Backend)
	}
}

// Filesystem stores archives as files in a directory.
type Filesystem struct {
	dir string
}

// NewFilesystem creates the directory if needed and returns a store in it.
func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir %s: %w", dir, err)
	}
	return &Filesystem{dir: dir}, nil
}

// Dir returns the output directory.
func (f *Filesystem) Dir() string {
	return f.dir
}

// Put writes data to a temp file in the output directory, syncs it and
// renames it over name.
func (f *Filesystem) Put(_ context.Context, name string, data []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	target := filepath.Join(f.dir, name)

	tmp, err := os.CreateTemp(f.dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("syncing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("setting mode on %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("renaming into %s: %w", target, err)
	}
	committed = true
	return target, nil
}

// Get reads the archive stored under name.
func (f *Filesystem) Get(_ context.Context, name string) ([]byte, time.Time, error) {
	if err := ValidateName(name); err != nil {
		return nil, time.Time{}, err
	}
	path := filepath.Join(f.dir, name)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat %s: %w", name, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, info.ModTime(), nil
}
