// Package version holds the build version stamped in at link time.
package version

// Version is the current release, overridden via
// -ldflags "-X github.com/alagyn/tubular/version.Version=...".
var Version = "0.0.0-dev"
