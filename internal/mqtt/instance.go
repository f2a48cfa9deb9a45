package mqtt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceFile = "instance_id"

// InstanceID returns the installation's UUID, stored in dataDir. It is
// stamped on every published event so several deckforge installations
// can share one broker. A missing or unparsable file is replaced with a
// fresh UUIDv7.
func InstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id.String(), nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read instance id: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := writeInstanceID(dataDir, path, id.String()); err != nil {
		return "", err
	}
	return id.String(), nil
}

// writeInstanceID replaces path via a temp file so a crash never
// leaves a truncated id behind.
func writeInstanceID(dir, path, id string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, instanceFile+".*")
	if err != nil {
		return fmt.Errorf("persist instance id: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("persist instance id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist instance id: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return nil
}
