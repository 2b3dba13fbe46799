// Package version carries build identification, set via -ldflags at
// build time and reported by the daemon's -version flag and /api/version.
package version

var (
	// Version is the release version.
	Version = "dev"
	// GitSHA is the git commit SHA the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)
