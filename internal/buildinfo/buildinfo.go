// Package buildinfo reports the version of the running gonogo binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const devVersion = "dev"

// Set with -ldflags "-X github.com/agusx1211/gonogo/internal/buildinfo.Version=...".
var (
	Version   = devVersion
	Commit    = ""
	BuildDate = ""
)

// Info is normalized build metadata for display.
type Info struct {
	Version   string
	Commit    string
	BuildDate string
	GoVersion string
	Modified  bool
}

// String is the one-line form printed by `gonogo version`.
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("gonogo %s (commit %s, built %s, %s)", i.Version, commit, i.BuildDate, i.GoVersion)
}

// Current merges linker overrides with the VCS stamps the Go toolchain
// embeds. Fields it cannot determine read "unknown".
func Current() Info {
	info := Info{
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		BuildDate: strings.TrimSpace(BuildDate),
		GoVersion: runtime.Version(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == devVersion) && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		settings := make(map[string]string, len(bi.Settings))
		for _, s := range bi.Settings {
			settings[s.Key] = strings.TrimSpace(s.Value)
		}
		if info.Commit == "" {
			info.Commit = settings["vcs.revision"]
			info.Modified = settings["vcs.modified"] == "true"
		}
		if info.BuildDate == "" {
			info.BuildDate = settings["vcs.time"]
		}
	}

	if t, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildDate = t.UTC().Format("2006-01-02 15:04 UTC")
	}
	for _, f := range []*string{&info.Version, &info.Commit, &info.BuildDate} {
		if *f == "" {
			*f = "unknown"
		}
	}
	return info
}
