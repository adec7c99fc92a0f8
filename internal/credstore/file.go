package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aussiebroadwan/carelink/pkg/carelink"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// FileStore keeps the credential as a single JSON object on disk.
//
// Save writes a temporary file next to the target, syncs it and renames it
// over the old one, so a crash leaves either the previous or the new
// record in place.
type FileStore struct {
	path string
}

// NewFileStore returns a store for the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file the store reads and writes.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (*carelink.Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, carelink.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: failed to read %s: %w", s.path, err)
	}
	return decode(data)
}

func (s *FileStore) Save(_ context.Context, cred *carelink.Credential) error {
	data, err := encode(cred)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("credstore: failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("credstore: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		return fmt.Errorf("credstore: failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("credstore: failed to write credential: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("credstore: failed to sync credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("credstore: failed to replace %s: %w", s.path, err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// Delete removes the credential file. Deleting a missing file is not an
// error.
func (s *FileStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credstore: failed to remove %s: %w", s.path, err)
	}
	return nil
}

// syncDir flushes the rename. Not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
