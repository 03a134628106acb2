package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(LoadOptions{WorkDir: dir, GlobalConfigPath: filepath.Join(dir, "missing.toml"), Env: []string{}})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Loop.MaxCycles)
	assert.Equal(t, "GO", cfg.Loop.StopOnVerdict)
	assert.Equal(t, "branch", cfg.Loop.DeployMode)
	assert.Equal(t, "branch", cfg.Loop.ApplyMode)
	assert.Equal(t, []string{"critical", "high"}, cfg.Loop.SeverityFilter)
	assert.Equal(t, "gonogo/fix-", cfg.Git.BranchPrefix)
	assert.Equal(t, 99, cfg.Git.MaxSuffix)
	assert.Equal(t, 600*time.Second, cfg.Agent.Timeout.Duration)
	assert.Equal(t, 300*time.Second, cfg.Deploy.Timeout.Duration)
	assert.Equal(t, 5.0, cfg.Agent.MaxBudgetUSD)
	assert.Zero(t, cfg.Deploy.ManualDeployTimeout.Duration)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.toml")
	require.NoError(t, os.WriteFile(global, []byte(`
[loop]
max_cycles = 7
stop_on_verdict = "never"

[agent]
max_turns = 10
timeout = "90s"
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gonogo.toml"), []byte(`
[loop]
max_cycles = 5

[deploy]
command = "vercel deploy --branch {branch}"
url_wait_timeout = 30
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GONOGO_CLAUDE_MAX_TURNS=20\nGONOGO_APPLY_MODE=direct\nOTHER=ignored\n"), 0644))

	cfg, err := Load(LoadOptions{
		WorkDir:          dir,
		GlobalConfigPath: global,
		Env:              []string{"GONOGO_APPLY_MODE=branch", "GONOGO_SEVERITY_FILTER=critical, medium"},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Loop.MaxCycles, "repo file overrides global")
	assert.Equal(t, "never", cfg.Loop.StopOnVerdict, "global survives when repo is silent")
	assert.Equal(t, 20, cfg.Agent.MaxTurns, ".env overrides files")
	assert.Equal(t, "branch", cfg.Loop.ApplyMode, "process env overrides .env")
	assert.Equal(t, 90*time.Second, cfg.Agent.Timeout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Deploy.URLWaitTimeout.Duration)
	assert.Equal(t, "vercel deploy --branch {branch}", cfg.Deploy.Command)
	assert.Equal(t, []string{"critical", "medium"}, cfg.Loop.SeverityFilter)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.toml")

	_, err := Load(LoadOptions{WorkDir: dir, GlobalConfigPath: missing, Env: []string{"GONOGO_MAX_CYCLES=three"}})
	require.Error(t, err)

	_, err = Load(LoadOptions{WorkDir: dir, GlobalConfigPath: missing, Env: []string{"GONOGO_DEPLOY_TIMEOUT=-5"}})
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "gonogo.toml"), []byte("[loop\n"), 0644))
	_, err = Load(LoadOptions{WorkDir: dir, GlobalConfigPath: missing, Env: []string{}})
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "5m", want: 5 * time.Minute},
		{in: "120", want: 120 * time.Second},
		{in: " 2s ", want: 2 * time.Second},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
