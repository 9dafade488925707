// Package version carries build metadata stamped via -ldflags.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X .../pkg/version.Version=v1.2.3 -X .../pkg/version.Commit=abc123"
var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the short git hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the full version line.
func String() string {
	return fmt.Sprintf("tabrecon %s (commit %s, built %s)", Version, Commit, Date)
}
