// Package version holds build metadata, overridden at link time via
// -ldflags "-X github.com/terrapod/terrapod/internal/version.Version=...".
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
