// Package build provides build information that is linked into the binary at
// release time.
package build

// These values are dynamically set at build time via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// ProjectName is used as the namespace for metrics and log metadata.
	ProjectName = "semlayer"
)
