package paths

import (
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		name string
		path string
		want string
	}{
		{"bare tilde", "~", home},
		{"tilde slash", "~/decks", filepath.Join(home, "decks")},
		{"nested", "~/.local/share/deckforge", filepath.Join(home, ".local", "share", "deckforge")},
		{"other user unchanged", "~bob/decks", "~bob/decks"},
		{"absolute unchanged", "/var/lib/deckforge", "/var/lib/deckforge"},
		{"relative unchanged", "data/decks", "data/decks"},
		{"empty unchanged", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandHome(tt.path); got != tt.want {
				t.Errorf("ExpandHome(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestExpandAll(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	a, b, empty := "~/a", "/abs/b", ""
	ExpandAll(&a, &b, &empty, nil)

	if a != filepath.Join(home, "a") {
		t.Errorf("a = %q", a)
	}
	if b != "/abs/b" {
		t.Errorf("b = %q", b)
	}
	if empty != "" {
		t.Errorf("empty = %q", empty)
	}
}
