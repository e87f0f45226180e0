// Package version carries build identification stamped in through -ldflags;
// the zero values mark a local, untagged build.
package version

import "runtime"

var (
	// Version is the release tag, or "dev" outside a tagged build.
	Version = "dev"
	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
	// GitCommit is the short hash the binary was built from.
	GitCommit = "unknown"
)

// GoVersion reports the toolchain the binary was compiled with.
func GoVersion() string { return runtime.Version() }
