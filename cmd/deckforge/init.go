package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/deckforge/examples"
	"github.com/nugget/deckforge/internal/defaults"
)

// runInit writes a default config and a small sample workspace into
// dir. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing deckforge workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// The config may hold broker and redis credentials.
		{"deckforge.yaml", defaults.ConfigYAML, 0o600},
		{"sample.md", examples.SampleText, 0o644},
		{"sales.csv", examples.SalesCSV, 0o644},
		{"questions.yaml", examples.QuestionsYAML, 0o644},
	}
	for _, f := range files {
		if err := writeIfMissing(w, filepath.Join(dir, f.name), f.content, f.perm); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Try:")
	fmt.Fprintln(w, "  deckforge run sample.md")
	fmt.Fprintln(w, "  deckforge mixed -dataset sales.csv -questions questions.yaml -total 5 sample.md")
	return nil
}

// writeIfMissing creates path with content and perm unless it already
// exists, reporting either outcome on w. O_EXCL makes the existence
// check and the create one step.
func writeIfMissing(w io.Writer, path string, content []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  - %s exists, skipping\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
