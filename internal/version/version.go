// Package version provides version information and build details for the application.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

const (
	// AppName is the name reported in version strings and the upstream User-Agent
	AppName = "ego-cse"
	// ShortCommitHashLength defines the length for shortened commit hashes
	ShortCommitHashLength = 7
	// UnknownValue represents unknown build information
	UnknownValue = "unknown"
)

// Build-time variables set by linker flags
var (
	Version = "dev"
	Commit  = UnknownValue
	Date    = UnknownValue
)

// BuildInfo contains build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information. When the commit was not stamped by the
// linker, the VCS revision recorded by the Go toolchain is used instead.
func Get() *BuildInfo {
	commit := Commit
	if commit == UnknownValue || commit == "" {
		commit = vcsRevision()
	}
	return &BuildInfo{
		Version:   Version,
		Commit:    commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// ShortCommit returns the commit truncated to ShortCommitHashLength
func (bi *BuildInfo) ShortCommit() string {
	if len(bi.Commit) > ShortCommitHashLength {
		return bi.Commit[:ShortCommitHashLength]
	}
	return bi.Commit
}

// String returns a formatted version string for the build info
func (bi *BuildInfo) String() string {
	return fmt.Sprintf("%s %s (%s) built %s with %s for %s",
		AppName, bi.Version, bi.ShortCommit(), bi.Date, bi.GoVersion, bi.Platform)
}

// UserAgent returns the User-Agent sent on upstream requests
func UserAgent() string {
	return fmt.Sprintf("%s/%s", AppName, Version)
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return UnknownValue
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			return setting.Value
		}
	}
	return UnknownValue
}
