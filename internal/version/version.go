// Package version provides build-time version information.
package version

import "fmt"

// Set at build time with -ldflags "-X omr-reader/internal/version.Version=..."
var (
	// Version is the semantic version
	Version = "0.1.0"

	// BuildTime is the UTC time when the binary was built
	BuildTime = "unknown"

	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

// String formats the version for -version output and log lines.
func String() string {
	return fmt.Sprintf("omrscan %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
