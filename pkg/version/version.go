// Package version provides build and version information for the
// memory-rag service.
package version

import (
	"fmt"
	"os"
	"runtime"
)

// Version is the current service version.
// Set via ldflags at build time, via the VERSION environment variable,
// or defaults to dev.
var Version = "dev"

// Build information set via ldflags at build time.
var (
	// Commit is the git commit hash.
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	Date = "unknown"

	// GoVersion is the Go version used to build the binary (set at runtime).
	GoVersion = runtime.Version()
)

// APIVersion is the HTTP API version reported by /version.
const APIVersion = "v1"

// ServiceName identifies this service in /version responses and logs.
const ServiceName = "memory-rag"

func init() {
	// Deployments inject the version through the environment; ldflags win
	// when both are set.
	if Version == "dev" {
		if v := os.Getenv("VERSION"); v != "" {
			Version = v
		}
	}
}

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns a formatted version string with all build info.
func String() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, go: %s)",
		ServiceName, Version, Commit, Date, GoVersion)
}

// Short returns just the version string.
func Short() string {
	return Version
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Service:   ServiceName,
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
