// Package paths normalizes user-supplied filesystem paths from config
// files and flags.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~ with the user's home directory. Paths
// of the form ~user are returned unchanged, as is every path when the
// home directory cannot be determined.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandAll applies [ExpandHome] to each pointed-to path in place.
// Empty paths are left empty.
func ExpandAll(ps ...*string) {
	for _, p := range ps {
		if p != nil && *p != "" {
			*p = ExpandHome(*p)
		}
	}
}
