// Package version holds build information, set with -ldflags at build time.
package version

var (
	// Version is the release tag, e.g. v0.3.1.
	Version = "UNKNOWN"
	// GitCommit is the short commit hash the binary was built from.
	GitCommit = "UNKNOWN"
)
