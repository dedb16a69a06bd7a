package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore reads templates from a directory.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a LocalStore rooted at basePath, creating the
// directory if needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("templates: create base directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (s *LocalStore) Get(_ context.Context, name string) ([]byte, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(cleaned)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("templates: read file: %w", err)
	}
	return data, nil
}

// Put writes a template atomically via a temp file and rename.
func (s *LocalStore) Put(_ context.Context, name string, data []byte) error {
	cleaned, err := cleanName(name)
	if err != nil {
		return err
	}

	finalPath := filepath.Join(s.basePath, filepath.FromSlash(cleaned))
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("templates: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("templates: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("templates: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("templates: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("templates: rename temp file: %w", err)
	}
	return nil
}
