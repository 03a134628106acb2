// Package config provides gonogo configuration with a defined load order:
// CLI flags > process environment > .env file > repo gonogo.toml > global
// config > defaults.
//
// Paths:
//   - Global: os.UserConfigDir()/gonogo/config.toml
//   - Repo: <workdir>/gonogo.toml
//   - Dotenv: <workdir>/.env (only GONOGO_* keys are read)
//
// Environment variables:
//   - GONOGO_DB_PATH, GONOGO_MAX_CYCLES, GONOGO_STOP_ON_VERDICT,
//     GONOGO_DEPLOY_MODE, GONOGO_APPLY_MODE, GONOGO_SEVERITY_FILTER (comma list)
//   - GONOGO_FIX_BRANCH_PREFIX, GONOGO_BRANCH_MAX_SUFFIX
//   - GONOGO_CLAUDE_PATH, GONOGO_CLAUDE_MAX_TURNS, GONOGO_CLAUDE_TIMEOUT,
//     GONOGO_CLAUDE_PERMISSION_MODE, GONOGO_CLAUDE_ALLOWED_TOOLS,
//     GONOGO_CLAUDE_MAX_BUDGET_USD
//   - GONOGO_DEPLOY_TIMEOUT, GONOGO_URL_WAIT_TIMEOUT, GONOGO_URL_POLL_INTERVAL,
//     GONOGO_MANUAL_DEPLOY_TIMEOUT
//   - GONOGO_SCANNER_COMMAND, GONOGO_SCANNER_TIMEOUT
//   - GONOGO_PUSHOVER_USER_KEY, GONOGO_PUSHOVER_APP_TOKEN
//
// Durations accept Go duration strings ("90s", "5m") or integer seconds.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/agusx1211/gonogo/internal/debug"
	"github.com/agusx1211/gonogo/internal/erruser"
)

// Duration is a time.Duration that decodes from TOML strings.
type Duration struct {
	time.Duration
}

// UnmarshalText accepts "5m" style durations and bare integer seconds.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all gonogo configuration.
type Config struct {
	DBPath   string         `toml:"db_path"`
	Loop     LoopConfig     `toml:"loop"`
	Git      GitConfig      `toml:"git"`
	Agent    AgentConfig    `toml:"agent"`
	Deploy   DeployConfig   `toml:"deploy"`
	Scanner  ScannerConfig  `toml:"scanner"`
	Web      WebConfig      `toml:"web"`
	Pushover PushoverConfig `toml:"pushover"`
}

// LoopConfig holds the per-loop defaults applied when a flag is not given.
type LoopConfig struct {
	MaxCycles      int      `toml:"max_cycles"`
	StopOnVerdict  string   `toml:"stop_on_verdict"`
	DeployMode     string   `toml:"deploy_mode"`
	ApplyMode      string   `toml:"apply_mode"`
	SeverityFilter []string `toml:"severity_filter"`
}

// GitConfig controls fix-branch naming.
type GitConfig struct {
	BranchPrefix string `toml:"branch_prefix"`
	MaxSuffix    int    `toml:"max_suffix"`
}

// AgentConfig controls the claude CLI invocation.
type AgentConfig struct {
	Path           string   `toml:"path"`
	MaxTurns       int      `toml:"max_turns"`
	Timeout        Duration `toml:"timeout"`
	PermissionMode string   `toml:"permission_mode"`
	AllowedTools   string   `toml:"allowed_tools"`
	MaxBudgetUSD   float64  `toml:"max_budget_usd"`
}

// DeployConfig bounds deploy commands and readiness polling.
type DeployConfig struct {
	Command             string   `toml:"command"`
	LocalURL            string   `toml:"local_url"`
	Timeout             Duration `toml:"timeout"`
	URLWaitTimeout      Duration `toml:"url_wait_timeout"`
	URLPollInterval     Duration `toml:"url_poll_interval"`
	ManualDeployTimeout Duration `toml:"manual_deploy_timeout"`
}

// ScannerConfig configures the command used to rescan a deployed URL.
type ScannerConfig struct {
	Command string   `toml:"command"`
	Timeout Duration `toml:"timeout"`
}

// WebConfig configures the optional progress stream server.
type WebConfig struct {
	Addr string `toml:"addr"`
	MDNS bool   `toml:"mdns"`
}

// PushoverConfig holds Pushover notification credentials.
type PushoverConfig struct {
	UserKey  string `toml:"user_key"`
	AppToken string `toml:"app_token"`
}

// Configured reports whether both Pushover credentials are set.
func (p PushoverConfig) Configured() bool {
	return p.UserKey != "" && p.AppToken != ""
}

const (
	DefaultMaxCycles      = 3
	DefaultStopOnVerdict  = "GO"
	DefaultDeployMode     = "branch"
	DefaultApplyMode      = "branch"
	DefaultBranchPrefix   = "gonogo/fix-"
	DefaultBranchSuffixes = 99
	DefaultAgentPath      = "claude"
	DefaultMaxTurns       = 50
	DefaultAgentTimeout   = 600 * time.Second
	DefaultPermissionMode = "bypassPermissions"
	DefaultAllowedTools   = "Read,Write,Edit,Bash(npm run *),Bash(npx *),Bash(git diff *),Bash(git status)"
	DefaultMaxBudgetUSD   = 5.0
	DefaultDeployTimeout  = 300 * time.Second
	DefaultURLWait        = 120 * time.Second
	DefaultURLPoll        = 5 * time.Second
	DefaultScanTimeout    = 15 * time.Minute
	DefaultWebAddr        = "127.0.0.1:7420"
)

// Defaults returns the built-in configuration (no I/O).
func Defaults() Config {
	return Config{
		Loop: LoopConfig{
			MaxCycles:      DefaultMaxCycles,
			StopOnVerdict:  DefaultStopOnVerdict,
			DeployMode:     DefaultDeployMode,
			ApplyMode:      DefaultApplyMode,
			SeverityFilter: []string{"critical", "high"},
		},
		Git: GitConfig{BranchPrefix: DefaultBranchPrefix, MaxSuffix: DefaultBranchSuffixes},
		Agent: AgentConfig{
			Path:           DefaultAgentPath,
			MaxTurns:       DefaultMaxTurns,
			Timeout:        Duration{DefaultAgentTimeout},
			PermissionMode: DefaultPermissionMode,
			AllowedTools:   DefaultAllowedTools,
			MaxBudgetUSD:   DefaultMaxBudgetUSD,
		},
		Deploy: DeployConfig{
			Timeout:         Duration{DefaultDeployTimeout},
			URLWaitTimeout:  Duration{DefaultURLWait},
			URLPollInterval: Duration{DefaultURLPoll},
		},
		Scanner: ScannerConfig{Timeout: Duration{DefaultScanTimeout}},
		Web:     WebConfig{Addr: DefaultWebAddr},
	}
}

// LoadOptions configures Load. All fields are optional.
type LoadOptions struct {
	// WorkDir holds gonogo.toml and .env; defaults to the current directory.
	WorkDir string
	// GlobalConfigPath overrides the XDG global config path.
	GlobalConfigPath string
	// Env is the environment key=value slice; if nil, os.Environ() is used.
	Env []string
}

// Load resolves configuration. Missing files are skipped; malformed files
// and malformed environment values are errors.
func Load(opts LoadOptions) (*Config, error) {
	log := debug.Component("config")
	cfg := Defaults()

	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, erruser.New("Could not determine working directory.", err)
		}
		opts.WorkDir = wd
	}

	globalPath := opts.GlobalConfigPath
	if globalPath == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			globalPath = filepath.Join(dir, "gonogo", "config.toml")
		}
	}
	for _, path := range []string{globalPath, filepath.Join(opts.WorkDir, "gonogo.toml")} {
		if path == "" {
			continue
		}
		if err := mergeFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	env, err := environment(filepath.Join(opts.WorkDir, ".env"), opts.Env)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg, env); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	log.Debug().
		Str("db", cfg.DBPath).
		Int("max_cycles", cfg.Loop.MaxCycles).
		Str("deploy_mode", cfg.Loop.DeployMode).
		Str("apply_mode", cfg.Loop.ApplyMode).
		Msg("configuration resolved")
	return &cfg, nil
}

// DefaultDBPath returns ~/.gonogo/gonogo.db, or a relative fallback when
// the home directory is unknown.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".gonogo", "gonogo.db")
	}
	return filepath.Join(home, ".gonogo", "gonogo.db")
}

// mergeFile decodes path over cfg. Keys absent from the file keep their
// previous value.
func mergeFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return erruser.New("Could not read configuration file "+path+".", err)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return erruser.New("Invalid configuration in "+path+".", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		logger := debug.Component("config")
		logger.Warn().Str("file", path).Strs("keys", keys).Msg("ignoring unknown configuration keys")
	}
	return nil
}

// environment merges GONOGO_* keys from the dotenv file under the process
// environment. Process values win.
func environment(dotenvPath string, procEnv []string) (map[string]string, error) {
	env := make(map[string]string)
	if _, err := os.Stat(dotenvPath); err == nil {
		fileEnv, err := godotenv.Read(dotenvPath)
		if err != nil {
			return nil, erruser.New("Invalid .env file.", err)
		}
		for k, v := range fileEnv {
			if strings.HasPrefix(k, "GONOGO_") {
				env[k] = v
			}
		}
	}
	for _, kv := range procEnv {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, "GONOGO_") {
			env[k] = v
		}
	}
	return env, nil
}

func applyEnv(cfg *Config, env map[string]string) error {
	str := func(key string, dst *string) {
		if v, ok := env[key]; ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := env[key]
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return erruser.New(key+" must be an integer.", err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := env[key]
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return erruser.New(key+" must be a duration or integer seconds.", err)
		}
		dst.Duration = d
		return nil
	}

	str("GONOGO_DB_PATH", &cfg.DBPath)
	str("GONOGO_STOP_ON_VERDICT", &cfg.Loop.StopOnVerdict)
	str("GONOGO_DEPLOY_MODE", &cfg.Loop.DeployMode)
	str("GONOGO_APPLY_MODE", &cfg.Loop.ApplyMode)
	str("GONOGO_FIX_BRANCH_PREFIX", &cfg.Git.BranchPrefix)
	str("GONOGO_CLAUDE_PATH", &cfg.Agent.Path)
	str("GONOGO_CLAUDE_PERMISSION_MODE", &cfg.Agent.PermissionMode)
	str("GONOGO_CLAUDE_ALLOWED_TOOLS", &cfg.Agent.AllowedTools)
	str("GONOGO_DEPLOY_COMMAND", &cfg.Deploy.Command)
	str("GONOGO_DEPLOY_LOCAL_URL", &cfg.Deploy.LocalURL)
	str("GONOGO_SCANNER_COMMAND", &cfg.Scanner.Command)
	str("GONOGO_WEB_ADDR", &cfg.Web.Addr)
	str("GONOGO_PUSHOVER_USER_KEY", &cfg.Pushover.UserKey)
	str("GONOGO_PUSHOVER_APP_TOKEN", &cfg.Pushover.AppToken)

	if v := strings.TrimSpace(env["GONOGO_SEVERITY_FILTER"]); v != "" {
		var sevs []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sevs = append(sevs, s)
			}
		}
		cfg.Loop.SeverityFilter = sevs
	}
	if v := strings.TrimSpace(env["GONOGO_CLAUDE_MAX_BUDGET_USD"]); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return erruser.New("GONOGO_CLAUDE_MAX_BUDGET_USD must be a number.", err)
		}
		cfg.Agent.MaxBudgetUSD = f
	}

	for key, dst := range map[string]*int{
		"GONOGO_MAX_CYCLES":        &cfg.Loop.MaxCycles,
		"GONOGO_BRANCH_MAX_SUFFIX": &cfg.Git.MaxSuffix,
		"GONOGO_CLAUDE_MAX_TURNS":  &cfg.Agent.MaxTurns,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*Duration{
		"GONOGO_CLAUDE_TIMEOUT":        &cfg.Agent.Timeout,
		"GONOGO_DEPLOY_TIMEOUT":        &cfg.Deploy.Timeout,
		"GONOGO_URL_WAIT_TIMEOUT":      &cfg.Deploy.URLWaitTimeout,
		"GONOGO_URL_POLL_INTERVAL":     &cfg.Deploy.URLPollInterval,
		"GONOGO_MANUAL_DEPLOY_TIMEOUT": &cfg.Deploy.ManualDeployTimeout,
		"GONOGO_SCANNER_TIMEOUT":       &cfg.Scanner.Timeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return time.Duration(n) * time.Second, nil
}
