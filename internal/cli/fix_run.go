package cli

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/gonogo/internal/config"
	"github.com/agusx1211/gonogo/internal/erruser"
	"github.com/agusx1211/gonogo/internal/fixloop"
	"github.com/agusx1211/gonogo/internal/progress"
	"github.com/agusx1211/gonogo/internal/runtui"
	"github.com/agusx1211/gonogo/internal/webserver"
)

var fixRunCmd = &cobra.Command{
	Use:   "run <target-id>",
	Short: "Run the fix loop for a scanned target",
	Long: `Run scan → fix → deploy → rescan cycles for a completed scan.

Each cycle hands the filtered report to the fix agent, deploys the result,
rescans the deployed URL and diffs the findings. The loop ends when the
stop verdict is reached, the cycle budget is spent, a deploy or the agent
fails, or you stop it.

Press Ctrl-C once to stop after the current cycle, twice to abort it.`,
	Args: cobra.ExactArgs(1),
	RunE: runFixRun,
}

func init() {
	fs := fixRunCmd.Flags()
	addLoopFlags(fs)
	fs.Bool("no-tui", false, "Print plain progress lines instead of the interactive view")
	fs.Bool("serve", false, "Serve the progress stream over WebSocket while the loop runs")
	fs.String("serve-addr", "", "Listen address for --serve (default from [web].addr)")
	fs.String("token", "", "Bearer token required by the progress stream")
	fs.Bool("mdns", false, "Advertise the progress stream on the local network via mDNS")
	fs.Bool("qr", false, "Print a QR code of the progress stream URL")
}

// loopControl is what the plain follower needs from a running loop.
type loopControl interface {
	RequestStop()
	Advance(url string) error
}

func runFixRun(cmd *cobra.Command, args []string) error {
	targetID := strings.TrimSpace(args[0])
	fs := cmd.Flags()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyLoopFlags(fs, cfg); err != nil {
		return err
	}
	repo, _ := fs.GetString("repo")
	lc, err := loopConfig(cfg, repo)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openAppWithConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if issues := a.orch.CheckPrerequisites(ctx, lc.RepoPath, lc.ApplyMode); len(issues) > 0 {
		printIssues(os.Stderr, issues)
		return erruser.WithHint("Prerequisites not met.", "Fix the issues above, then run again.", nil)
	}
	target, err := a.store.GetTarget(ctx, targetID)
	if err != nil {
		return lookupError(err, targetID)
	}

	events, unsubscribe := a.hub.Subscribe(targetID)
	defer unsubscribe()

	h, err := a.orch.Start(ctx, targetID, lc)
	if err != nil {
		return startError(err, targetID)
	}
	go func() {
		<-h.Done()
		unsubscribe()
	}()

	if serve, _ := fs.GetBool("serve"); serve {
		stop, err := startStream(cmd, a.cfg, a.hub, targetID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%swarning: progress stream not started: %v%s\n", colorYellow, err, colorReset)
		} else {
			defer stop()
		}
	}

	noTUI, _ := fs.GetBool("no-tui")
	if !noTUI && isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd()) {
		_, tuiErr := runtui.Run(runtui.RunConfig{
			TargetURL:  target.URL,
			RepoPath:   lc.RepoPath,
			ApplyMode:  string(lc.ApplyMode),
			DeployMode: string(lc.DeployMode),
			FixBranch:  h.State().FixBranch,
			MaxCycles:  lc.MaxCycles,
			Events:     events,
			Control:    h,
			Cancel:     cancel,
		})
		if tuiErr != nil {
			cancel()
			fmt.Fprintf(os.Stderr, "%swarning: loop view failed: %v%s\n", colorYellow, tuiErr, colorReset)
		}
	} else {
		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		followPlain(os.Stdout, os.Stdin, events, sigs, h, cancel)
		signal.Stop(sigs)
	}

	res, waitErr := h.Wait(context.Background())
	printSummary(os.Stdout, &res.Summary)
	if waitErr != nil {
		return erruser.New("The fix loop ended with an error.", waitErr)
	}
	if res.Summary.Error != "" {
		return erruser.New(fmt.Sprintf("The fix loop ended early (%s).", res.Outcome), nil)
	}
	return nil
}

// followPlain prints events until the stream closes. The first signal
// requests a stop at the next cycle boundary, the second cancels the
// cycle in flight. A deploy URL is read from in when the loop asks for one.
func followPlain(w io.Writer, in io.Reader, events <-chan progress.Event, sigs <-chan os.Signal, ctl loopControl, cancel context.CancelFunc) {
	interrupts := 0
	awaiting := false
	var lines <-chan string
	for {
		urls := lines
		if !awaiting {
			urls = nil
		}
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			printEvent(w, ev)
			switch ev.Type {
			case progress.EventAwaitingDeployURL:
				awaiting = true
				fmt.Fprintln(w, "Enter the deploy URL:")
				if lines == nil {
					lines = readLines(in)
				}
			case progress.EventRescanning, progress.EventError, progress.EventLoopComplete:
				awaiting = false
			}
		case url, ok := <-urls:
			if !ok {
				lines = nil
				awaiting = false
				continue
			}
			if err := ctl.Advance(url); err != nil {
				fmt.Fprintf(w, "%s%v%s\n", colorRed, err, colorReset)
				continue
			}
			awaiting = false
		case <-sigs:
			interrupts++
			if interrupts == 1 {
				ctl.RequestStop()
				fmt.Fprintf(w, "%sStopping after the current cycle. Press Ctrl-C again to abort it.%s\n", colorYellow, colorReset)
				continue
			}
			fmt.Fprintf(w, "%sAborting the current cycle...%s\n", colorYellow, colorReset)
			cancel()
		}
	}
}

// readLines streams non-empty lines from r. The goroutine ends at EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				ch <- line
			}
		}
	}()
	return ch
}

// startStream serves the hub over WebSocket and returns its shutdown func.
func startStream(cmd *cobra.Command, cfg *config.Config, hub *progress.Hub, targetID string) (func(), error) {
	fs := cmd.Flags()
	addr := cfg.Web.Addr
	if fs.Changed("serve-addr") {
		addr, _ = fs.GetString("serve-addr")
	}
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	token, _ := fs.GetString("token")
	if token == "" && !isLoopback(host) {
		token = generateToken()
	}

	srv := webserver.New(hub, webserver.Options{Host: host, Port: port, AuthToken: token})
	if err := srv.Start(); err != nil {
		return nil, err
	}
	url := srv.StreamURL("", targetID)
	fmt.Printf("%sProgress stream:%s %s\n", styleBoldWhite, colorReset, url)
	if qr, _ := fs.GetBool("qr"); qr {
		if err := printQRCode(os.Stdout, url); err != nil {
			fmt.Fprintf(os.Stderr, "%swarning: QR code: %v%s\n", colorYellow, err, colorReset)
		}
	}

	var mdnsServer *mdns.Server
	advertise := cfg.Web.MDNS
	if fs.Changed("mdns") {
		advertise, _ = fs.GetBool("mdns")
	}
	if advertise {
		server, err := webserver.Advertise("gonogo-"+shortTargetID(targetID), srv.Port(), map[string]string{
			"target": targetID,
			"path":   "/ws/targets/" + targetID,
			"auth":   strconv.FormatBool(token != ""),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%swarning: mDNS advertisement failed: %v%s\n", colorYellow, err, colorReset)
		} else {
			mdnsServer = server
		}
	}

	return func() {
		if mdnsServer != nil {
			_ = mdnsServer.Shutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func splitHostPort(addr string) (string, int, error) {
	if strings.TrimSpace(addr) == "" {
		addr = config.DefaultWebAddr
	}
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in listen address %q", addr)
	}
	return host, port, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func generateToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func shortTargetID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Compile-time check that a running loop can be driven by both views.
var (
	_ loopControl       = (*fixloop.Handle)(nil)
	_ runtui.Controller = (*fixloop.Handle)(nil)
)
