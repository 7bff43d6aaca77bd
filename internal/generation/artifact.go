package generation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore keeps generated audio and hands out locators for it.
type ArtifactStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (locator string, err error)

	// Delete removes the artifact at locator. Deleting a missing artifact
	// is not an error.
	Delete(ctx context.Context, locator string) error
}

const fileScheme = "file://"

// FileStore writes artifacts into a local directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

func (f *FileStore) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	path := filepath.Join(f.dir, filepath.Base(name))

	// Write then rename so readers never see a partial file.
	tmp, err := os.CreateTemp(f.dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("creating artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storing artifact: %w", err)
	}

	return fileScheme + path, nil
}

func (f *FileStore) Delete(_ context.Context, locator string) error {
	path, ok := strings.CutPrefix(locator, fileScheme)
	if !ok {
		return fmt.Errorf("not a file locator: %q", locator)
	}
	if filepath.Dir(path) != f.dir {
		return fmt.Errorf("locator outside artifact dir: %q", locator)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing artifact: %w", err)
	}
	return nil
}

var _ ArtifactStore = (*FileStore)(nil)
