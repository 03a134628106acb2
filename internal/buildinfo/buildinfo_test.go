package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func withOverrides(t *testing.T, version, commit, date string) {
	t.Helper()
	oldVersion, oldCommit, oldDate := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = oldVersion, oldCommit, oldDate })
	Version, Commit, BuildDate = version, commit, date
}

func TestCurrentUsesOverrides(t *testing.T) {
	withOverrides(t, "v0.4.0", "0123456789abcdef0123", "2026-10-01T08:30:00Z")

	info := Current()
	assert.Equal(t, "v0.4.0", info.Version)
	assert.Equal(t, "0123456789abcdef0123", info.Commit)
	assert.Equal(t, "2026-10-01 08:30 UTC", info.BuildDate)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.String(), "gonogo v0.4.0 (commit 0123456789ab, built 2026-10-01 08:30 UTC")
}

func TestCurrentFillsUnknowns(t *testing.T) {
	withOverrides(t, "", "", "")

	info := Current()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.BuildDate)
}

func TestStringMarksDirtyTree(t *testing.T) {
	info := Info{Version: "dev", Commit: "abc", BuildDate: "unknown", GoVersion: "go1.25.6", Modified: true}
	assert.Equal(t, "gonogo dev (commit abc-dirty, built unknown, go1.25.6)", info.String())
}
