package debug

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestShouldEnableFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		enabled string
		path    string
		want    bool
	}{
		{name: "disabled by default", enabled: "", path: "", want: false},
		{name: "enabled explicit", enabled: "1", path: "", want: true},
		{name: "enabled via path", enabled: "", path: "/tmp/gonogo.log", want: true},
		{name: "explicit off wins", enabled: "0", path: "/tmp/gonogo.log", want: false},
		{name: "unknown toggle without path", enabled: "maybe", path: "", want: false},
		{name: "unknown toggle with path", enabled: "maybe", path: "/tmp/gonogo.log", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvEnabled, tt.enabled)
			t.Setenv(EnvLogPath, tt.path)
			if got := ShouldEnableFromEnv(); got != tt.want {
				t.Fatalf("ShouldEnableFromEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitInheritedPathWritesRecords(t *testing.T) {
	defer Close()

	logPath := filepath.Join(t.TempDir(), "aggregate.log")
	t.Setenv(EnvLogPath, logPath)
	t.Setenv(EnvProcess, "fix-run:abc")

	gotPath, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if gotPath != logPath {
		t.Fatalf("Init() path = %q, want %q", gotPath, logPath)
	}
	if !Enabled() {
		t.Fatalf("Enabled() = false after Init")
	}

	LogKV("test", "hello", "cycle", 2)
	Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"message":"hello"`, `"cycle":2`, `"process":"fix-run:abc"`, "debug log closed"} {
		if !strings.Contains(text, want) {
			t.Fatalf("log missing %q:\n%s", want, text)
		}
	}
	if Enabled() {
		t.Fatalf("Enabled() = true after Close")
	}
}

func TestConsoleLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetConsole(&buf, zerolog.WarnLevel)
	defer SetConsole(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, zerolog.WarnLevel)

	log := Component("test")
	log.Info().Msg("quiet")
	log.Warn().Msg("loud")

	if strings.Contains(buf.String(), "quiet") {
		t.Fatalf("info record reached console: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "loud") {
		t.Fatalf("warn record missing from console: %q", buf.String())
	}
}

func TestPropagatedEnv(t *testing.T) {
	defer Close()
	base := []string{"PATH=/bin", EnvEnabled + "=0"}
	if got := PropagatedEnv(base, "child"); len(got) != len(base) {
		t.Fatalf("PropagatedEnv without debug = %v, want unchanged", got)
	}

	t.Setenv(EnvLogPath, filepath.Join(t.TempDir(), "x.log"))
	if _, err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got := PropagatedEnv(base, "child")
	joined := strings.Join(got, "\n")
	for _, want := range []string{EnvEnabled + "=1", EnvLogPath + "=", EnvProcess + "=child"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("PropagatedEnv missing %q: %v", want, got)
		}
	}
}
