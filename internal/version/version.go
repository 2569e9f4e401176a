// Package version reports build metadata.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/soyeahso/turnstile/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/turnstile/internal/version.Commit=abc123
//	  -X github.com/soyeahso/turnstile/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// BuildInfo is the structured form of the build metadata.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the build metadata. When no commit was injected it falls
// back to the VCS revision the toolchain embedded, if any.
func Get() BuildInfo {
	commit := Commit
	if commit == "unknown" {
		if rev := vcsRevision(); rev != "" {
			commit = rev
		}
	}
	return BuildInfo{
		Version:   Version,
		Commit:    commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Info returns a formatted version string.
func Info() string {
	b := Get()
	return fmt.Sprintf("turnstile %s (commit: %s, built: %s, %s)",
		b.Version, short(b.Commit), b.Date, b.Platform)
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
