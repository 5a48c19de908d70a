// Package version carries build-time identifying information, set via
// -ldflags at build time.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// FullVersion returns the full version string including git commit and
// build time.
func FullVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}

// UserAgent returns a string suitable for a collaborator HTTP client's
// User-Agent header.
func UserAgent() string {
	return fmt.Sprintf("controlplane/%s", Version)
}
