// Package version reports build metadata stamped in with -ldflags, falling
// back to the VCS settings Go embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Set at build time:
//
//	go build -ldflags "-X github.com/conneroisu/reservoir/internal/version.Version=v1.2.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Platform  string    `json:"platform"`
	Dirty     bool      `json:"dirty"`
}

// vcsSettings reads the embedded VCS settings once.
var vcsSettings = sync.OnceValue(func() map[string]string {
	settings := map[string]string{}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return settings
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		settings["main.version"] = v
	}
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	return settings
})

// Get returns the build information of the running binary.
func Get() BuildInfo {
	return resolve(Version, GitCommit, BuildTime, vcsSettings())
}

func resolve(version, commit, buildTime string, vcs map[string]string) BuildInfo {
	info := BuildInfo{
		Version:   version,
		GitCommit: commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Dirty:     vcs["vcs.modified"] == "true",
	}

	if info.GitCommit == "" || info.GitCommit == "unknown" {
		info.GitCommit = "unknown"
		if rev := vcs["vcs.revision"]; rev != "" {
			info.GitCommit = rev
		}
	}

	if info.Version == "" || info.Version == "dev" {
		info.Version = "dev"
		if v := vcs["main.version"]; v != "" {
			info.Version = v
		} else if len(info.GitCommit) >= 7 && info.GitCommit != "unknown" {
			info.Version = "dev-" + info.GitCommit[:7]
		}
	}

	info.BuildTime = parseTime(buildTime)
	if info.BuildTime.IsZero() {
		info.BuildTime = parseTime(vcs["vcs.time"])
	}
	return info
}

// IsRelease reports whether the version is a tagged release.
func (b BuildInfo) IsRelease() bool {
	return b.Version != "dev" && !strings.HasPrefix(b.Version, "dev-")
}

// Short is "v1.2.0 (abc1234)" or just the version when no commit is known.
func (b BuildInfo) Short() string {
	if len(b.GitCommit) < 7 || b.GitCommit == "unknown" || strings.HasSuffix(b.Version, b.GitCommit[:7]) {
		return b.Version
	}
	return fmt.Sprintf("%s (%s)", b.Version, b.GitCommit[:7])
}

// Detailed renders every field, one per line.
func (b BuildInfo) Detailed() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Version: %s\n", b.Version)
	if b.GitCommit != "unknown" {
		fmt.Fprintf(&sb, "Commit: %s\n", b.GitCommit)
	}
	if !b.BuildTime.IsZero() {
		fmt.Fprintf(&sb, "Built: %s\n", b.BuildTime.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "Go: %s\n", b.GoVersion)
	fmt.Fprintf(&sb, "Platform: %s\n", b.Platform)
	if b.Dirty {
		sb.WriteString("Working directory: dirty\n")
	}
	if b.IsRelease() {
		sb.WriteString("Build type: release")
	} else {
		sb.WriteString("Build type: development")
	}
	return sb.String()
}

// parseTime accepts RFC3339 and a few close variants, returning the zero time
// for anything else.
func parseTime(s string) time.Time {
	if s == "" || s == "unknown" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
