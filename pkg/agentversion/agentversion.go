package agentversion

import "fmt"

// Set at build time with -ldflags "-X github.com/bizflycloud/feather/pkg/agentversion.version=...".
var (
	version   string
	commit    string
	buildTime string
)

// Version returns feather version.
func Version() string {
	if version == "" {
		version = "dev"
	}

	return version
}

// Commit returns the git commit feather was built from.
func Commit() string {
	if commit == "" {
		return "unknown"
	}
	return commit
}

// BuildTime returns when feather was built.
func BuildTime() string {
	if buildTime == "" {
		return "unknown"
	}
	return buildTime
}

// String returns a one line version summary.
func String() string {
	return fmt.Sprintf("version: %s, commit: %s, build time: %s", Version(), Commit(), BuildTime())
}
