package kvstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps each entry in <dir>/<namespace>/<sha256(key)>.json.
// Writes go to a temporary file in the same directory, are synced, and
// then renamed over the target.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("kvstore: file backend needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(namespace, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, namespace, hex.EncodeToString(sum[:])+".json")
}

// Get reads the entry for namespace/key.
func (s *FileStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	if err := validNamespace(namespace); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(namespace, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", namespace, err)
	}
	return data, nil
}

// Put writes the entry atomically.
func (s *FileStore) Put(_ context.Context, namespace, key string, value []byte) error {
	if err := validNamespace(namespace); err != nil {
		return err
	}
	target := s.path(namespace, key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("put %s: %w", namespace, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", namespace, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("put %s: write: %w", namespace, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("put %s: sync: %w", namespace, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("put %s: close: %w", namespace, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("put %s: rename: %w", namespace, err)
	}
	committed = true
	return nil
}

// Delete removes the entry. Missing entries are not an error.
func (s *FileStore) Delete(_ context.Context, namespace, key string) error {
	if err := validNamespace(namespace); err != nil {
		return err
	}
	err := os.Remove(s.path(namespace, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", namespace, err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
