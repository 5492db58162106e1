// Package version holds build information injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/bdobrica/Hanashi/common/version.Version=v0.3.0" ./cmd/hanashi
package version

import "runtime/debug"

var (
	// Version is the release tag.
	Version = "v0.0.0-dev"

	// GitCommit is the commit hash.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns a one-line version string. When GitCommit was not injected
// it falls back to the VCS revision recorded by the Go toolchain.
func Info() string {
	commit := GitCommit
	if commit == "unknown" {
		if rev := vcsRevision(); rev != "" {
			commit = rev
		}
	}
	return Version + " (" + commit + ") built at " + BuildTime
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}
