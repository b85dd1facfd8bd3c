// Package version holds build identity shared by the agent and controller
// binaries. The variables are overridden by ldflags at release time.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	// Version is the current release of the data gathering tools.
	Version = "0.9.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
	// Commit is the git revision the binary was built from (optional ldflag).
	Commit = ""
)

// String returns the human-readable version line, including the commit
// hash when one is known.
func String() string {
	commit := resolveCommit()
	if commit != "" {
		return fmt.Sprintf("%s (%s: %s)", Version, Build, shortCommit(commit))
	}
	return fmt.Sprintf("%s (%s)", Version, Build)
}

func resolveCommit() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return ""
}

func shortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
