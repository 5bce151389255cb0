// Package local persists the result document on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the location of the result document.
type Config struct {
	// Path is the results file, e.g. results.json.
	Path string `mapstructure:"path" yaml:"path"`
}

// FilePersister reads and atomically rewrites a single JSON file.
type FilePersister struct {
	path string
}

// New validates cfg and makes sure the parent directory exists and is writable.
func New(cfg Config) (*FilePersister, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("results path is required")
	}
	dir := filepath.Dir(cfg.Path)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat results directory: %w", err)
		}
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create results directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("results directory path is not a directory")
	}

	if info, err := os.Stat(cfg.Path); err == nil && info.IsDir() {
		return nil, fmt.Errorf("results path %s is a directory", cfg.Path)
	}

	testFile, err := os.CreateTemp(dir, ".writable_test-*")
	if err != nil {
		return nil, fmt.Errorf("results directory is not writable: %w", err)
	}
	name := testFile.Name()
	if err := testFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close test file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &FilePersister{path: cfg.Path}, nil
}

// Path returns the results file location.
func (p *FilePersister) Path() string {
	return p.path
}

// Load returns the file contents, or nil when the file does not exist yet.
func (p *FilePersister) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}
	return data, nil
}

// Save writes data to a temp file beside the target and renames it into
// place, so readers never see a half-written document.
func (p *FilePersister) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", p.path, err)
	}
	return nil
}
