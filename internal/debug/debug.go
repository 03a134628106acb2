// Package debug owns the process-wide structured logger.
//
// Every component obtains a zerolog.Logger through Component. Records at
// warn level and above are printed to stderr in console form. When debug mode
// is enabled via --debug (or inherited through the environment), every record
// down to debug level is also appended as JSON to a log file under
// ~/.gonogo/debug/ so a loop can be reconstructed after the fact.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// EnvEnabled toggles debug logger initialization for child processes.
	EnvEnabled = "GONOGO_DEBUG_ENABLED"
	// EnvLogPath forces logs to be written to an existing aggregate debug file.
	EnvLogPath = "GONOGO_DEBUG_LOG_PATH"
	// EnvProcess labels the current process in every emitted record.
	EnvProcess = "GONOGO_DEBUG_PROCESS"
)

// sink fans records out to the console and the optional debug file.
type sink struct {
	mu           sync.RWMutex
	console      io.Writer
	consoleLevel zerolog.Level
	file         *os.File
	path         string
	startedAt    time.Time
}

var (
	out  = &sink{console: zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, consoleLevel: zerolog.WarnLevel}
	root = zerolog.New(out).Level(zerolog.DebugLevel).With().Timestamp().Logger()
)

func (s *sink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

func (s *sink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.console != nil && level >= s.consoleLevel && level != zerolog.NoLevel {
		_, _ = s.console.Write(p)
	}
	if s.file != nil {
		_, _ = s.file.Write(p)
	}
	return len(p), nil
}

// Component returns a logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Str("process", processLabel()).Logger()
}

// SetConsole replaces the console writer and its minimum level. A nil writer
// silences console output.
func SetConsole(w io.Writer, level zerolog.Level) {
	out.mu.Lock()
	out.console = w
	out.consoleLevel = level
	out.mu.Unlock()
}

// Init opens the debug file. It creates ~/.gonogo/debug/ if needed unless a
// path is inherited through EnvLogPath. Returns the log file path.
func Init() (string, error) {
	out.mu.RLock()
	if out.file != nil {
		p := out.path
		out.mu.RUnlock()
		return p, nil
	}
	out.mu.RUnlock()

	path, inherited, err := resolveLogPath()
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}

	out.mu.Lock()
	if out.file != nil {
		p := out.path
		out.mu.Unlock()
		_ = f.Close()
		return p, nil
	}
	out.file = f
	out.path = path
	out.startedAt = time.Now()
	out.mu.Unlock()

	logger := Component("debug")
	logger.Info().
		Int("pid", os.Getpid()).
		Bool("inherited", inherited).
		Str("file", path).
		Msg("debug log attached")
	return path, nil
}

// Close detaches and closes the debug file. Safe to call when not initialized.
func Close() {
	out.mu.Lock()
	f := out.file
	started := out.startedAt
	out.file = nil
	out.path = ""
	out.mu.Unlock()
	if f == nil {
		return
	}
	line := fmt.Sprintf(`{"level":"info","component":"debug","duration":%q,"message":"debug log closed"}`+"\n", time.Since(started).String())
	_, _ = f.WriteString(line)
	_ = f.Close()
}

// Enabled reports whether the debug file is attached.
func Enabled() bool {
	out.mu.RLock()
	defer out.mu.RUnlock()
	return out.file != nil
}

// Path returns the log file path, or "" if not enabled.
func Path() string {
	out.mu.RLock()
	defer out.mu.RUnlock()
	return out.path
}

// ShouldEnableFromEnv returns true when debug logging should be initialized
// based on inherited environment variables.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	switch strings.TrimSpace(strings.ToLower(os.Getenv(EnvEnabled))) {
	case "":
		return path != ""
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// PropagatedEnv returns an environment slice with debug variables overlaid so
// that subprocesses append to the same file. If debug logging is not enabled
// in the current process, baseEnv is returned unchanged.
func PropagatedEnv(baseEnv []string, process string) []string {
	logPath := Path()
	if logPath == "" {
		return baseEnv
	}
	env := append([]string(nil), baseEnv...)
	env = setEnv(env, EnvEnabled, "1")
	env = setEnv(env, EnvLogPath, logPath)
	if strings.TrimSpace(process) != "" {
		env = setEnv(env, EnvProcess, process)
	}
	return env
}

// LogKV writes a debug record with key-value context pairs.
// Usage: debug.LogKV("fixloop", "cycle started", "target", id, "cycle", 2)
func LogKV(component, msg string, kvs ...any) {
	if !Enabled() {
		return
	}
	logger := Component(component)
	ev := logger.Debug()
	for i := 0; i+1 < len(kvs); i += 2 {
		ev = ev.Interface(fmt.Sprint(kvs[i]), kvs[i+1])
	}
	ev.Msg(msg)
}

// Logf writes a formatted debug record.
func Logf(component, format string, args ...any) {
	if !Enabled() {
		return
	}
	logger := Component(component)
	logger.Debug().Msgf(format, args...)
}

func resolveLogPath() (string, bool, error) {
	if inherited := strings.TrimSpace(os.Getenv(EnvLogPath)); inherited != "" {
		dir := filepath.Dir(inherited)
		if dir != "." && dir != string(filepath.Separator) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", true, fmt.Errorf("debug: create dir %s: %w", dir, err)
			}
		}
		return inherited, true, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("debug: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".gonogo", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102T150405"), id)
	return filepath.Join(dir, name), false, nil
}

func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	base := filepath.Base(os.Args[0])
	for _, arg := range os.Args[1:] {
		arg = strings.TrimSpace(arg)
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return base + ":" + arg
	}
	return base
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
