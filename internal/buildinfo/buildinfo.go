// Package buildinfo reports the version and origin of the running
// binary. Release builds stamp the variables below with -ldflags; other
// builds fall back to the VCS metadata the go command embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via -ldflags "-X".
var (
	Version   = "dev"
	GitCommit = ""
	GitBranch = ""
	BuildTime = ""
)

const unknown = "unknown"

var startTime = time.Now()

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

var vcs = sync.OnceValue(func() vcsInfo {
	var v vcsInfo
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = s.Value
		case "vcs.time":
			v.time = s.Value
		case "vcs.modified":
			v.modified = s.Value == "true"
		}
	}
	return v
})

// Commit returns the stamped commit, else the embedded VCS revision
// shortened to 12 characters with "-dirty" for modified trees.
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	v := vcs()
	if v.revision == "" {
		return unknown
	}
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if v.modified {
		rev += "-dirty"
	}
	return rev
}

// Built returns the stamped build time, else the commit time.
func Built() string {
	if BuildTime != "" {
		return BuildTime
	}
	if t := vcs().time; t != "" {
		return t
	}
	return unknown
}

// Branch returns the stamped branch. The go command does not embed one.
func Branch() string {
	if GitBranch != "" {
		return GitBranch
	}
	return unknown
}

// Info returns build and runtime details keyed as in [Keys].
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"git_branch": Branch(),
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Keys returns the [Info] keys in display order.
func Keys() []string {
	return []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logs and the version command.
func String() string {
	return fmt.Sprintf("deckforge %s (%s@%s) built %s", Version, Commit(), Branch(), Built())
}
