package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agusx1211/gonogo/internal/buildinfo"
	"github.com/agusx1211/gonogo/internal/debug"
	"github.com/agusx1211/gonogo/internal/erruser"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "gonogo",
	Short: "Fix, deploy and rescan a site until it is ready to ship",
	Long: colorBold + `gonogo` + colorReset + ` ` + buildinfo.Current().Version + `

  Takes a completed GoNoGo scan, hands its findings to a coding agent,
  deploys the result, rescans it and repeats until the verdict you ask
  for is reached or the cycle budget runs out.

` + colorBold + `Getting Started:` + colorReset + `
  gonogo target import scan.json   Register a completed scan
  gonogo fix check --repo .        Verify agent, repository and git state
  gonogo fix run <target-id>       Start the fix loop
  gonogo fix status <target-id>    Show cycles and totals`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	pf := rootCmd.PersistentFlags()
	pf.Bool("debug", false, "Enable verbose debug logging to ~/.gonogo/debug/")
	pf.BoolP("verbose", "v", false, "Print info-level log records to stderr")
	pf.String("config", "", "Global config file (default ~/.config/gonogo/config.toml)")
	pf.String("db", "", "SQLite database path (overrides db_path)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			debug.SetConsole(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, zerolog.InfoLevel)
		}

		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "gonogo starting",
			"version", bi.Version,
			"commit", bi.Commit,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.CommandPath(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		printError(err)
		debug.Close()
		os.Exit(1)
	}
	debug.Logf("cli", "exit success")
	debug.Close()
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
	hint, cause := erruser.Details(err)
	if hint != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", hint)
	}
	if cause != "" {
		fmt.Fprintf(os.Stderr, "  %scause: %s%s\n", colorDim, cause, colorReset)
	}
}
