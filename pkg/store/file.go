// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/afero"
)

// FileBlobStore persists blobs as files under a state directory. It is used
// when the agent runs outside a cluster (development, tests). Writes go
// through a temp file + rename so a crash never leaves a torn blob. The
// version token is a monotonic counter kept in a sidecar file.
type FileBlobStore struct {
	fs  afero.Fs
	dir string

	mu sync.Mutex
}

var _ BlobStore = &FileBlobStore{}

// NewFileBlobStore creates a file-backed BlobStore rooted at dir.
func NewFileBlobStore(fs afero.Fs, dir string) *FileBlobStore {
	return &FileBlobStore{fs: fs, dir: dir}
}

// Load implements BlobStore.
func (f *FileBlobStore) Load(_ context.Context, name string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := afero.ReadFile(f.fs, f.dataPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("reading blob %q: %w", name, err)
	}

	version, err := f.readVersion(name)
	if err != nil {
		return nil, "", err
	}
	return data, version, nil
}

// Save implements BlobStore.
func (f *FileBlobStore) Save(_ context.Context, name string, data []byte, version string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.readVersion(name)
	if err != nil {
		return "", err
	}
	if current != version {
		return "", ErrConflict
	}

	if err := f.fs.MkdirAll(f.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating state directory: %w", err)
	}

	mode := os.FileMode(0o644)
	if name == BlobSensitive {
		mode = 0o600
	}

	tmpPath := f.dataPath(name) + ".tmp"
	if err := afero.WriteFile(f.fs, tmpPath, data, mode); err != nil {
		return "", fmt.Errorf("writing blob %q: %w", name, err)
	}
	if err := f.fs.Rename(tmpPath, f.dataPath(name)); err != nil {
		return "", fmt.Errorf("committing blob %q: %w", name, err)
	}

	next := 1
	if current != "" {
		parsed, err := strconv.Atoi(current)
		if err != nil {
			return "", fmt.Errorf("corrupt version file for blob %q: %w", name, err)
		}
		next = parsed + 1
	}
	newVersion := strconv.Itoa(next)
	if err := afero.WriteFile(f.fs, f.versionPath(name), []byte(newVersion), 0o644); err != nil {
		return "", fmt.Errorf("writing version for blob %q: %w", name, err)
	}
	return newVersion, nil
}

func (f *FileBlobStore) readVersion(name string) (string, error) {
	raw, err := afero.ReadFile(f.fs, f.versionPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading version for blob %q: %w", name, err)
	}
	return string(raw), nil
}

func (f *FileBlobStore) dataPath(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileBlobStore) versionPath(name string) string {
	return filepath.Join(f.dir, name+".version")
}
