package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/gonogo/internal/erruser"
	"github.com/agusx1211/gonogo/internal/findings"
	"github.com/agusx1211/gonogo/internal/scanner"
	"github.com/agusx1211/gonogo/internal/store"
	"github.com/agusx1211/gonogo/internal/theme"
)

var targetCmd = &cobra.Command{
	Use:     "target",
	Aliases: []string{"targets"},
	Short:   "Register and list scanned targets",
}

var targetImportCmd = &cobra.Command{
	Use:   "import <scan.json>",
	Short: "Register a completed scan as a fix loop target",
	Long: `Register a completed scan so a fix loop can run against it.

The file is the JSON a scan produces:

  {
    "url": "https://example.com",
    "status": "completed",
    "overall_score": 48,
    "verdict": "NO-GO",
    "report_path": "report.md",
    "tech_stack": "Next.js",
    "findings": [{"id": "SEC-1", "severity": "critical", "title": "..."}]
  }

A relative report_path is resolved against the file's directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runTargetImport,
}

var targetListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List targets",
	RunE:    runTargetList,
}

func init() {
	targetListCmd.Flags().Bool("all", false, "Include rescans made by fix loops")
	targetCmd.AddCommand(targetImportCmd, targetListCmd)
	rootCmd.AddCommand(targetCmd)
}

// scanFile is the on-disk form of a completed scan.
type scanFile struct {
	ID           string             `json:"id"`
	URL          string             `json:"url"`
	Status       string             `json:"status"`
	OverallScore *float64           `json:"overall_score"`
	Verdict      string             `json:"verdict"`
	ReportPath   string             `json:"report_path"`
	TechStack    string             `json:"tech_stack"`
	Findings     []findings.Finding `json:"findings"`
}

// readScanFile decodes path into a Target ready to be stored.
func readScanFile(path string) (*store.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, erruser.New(fmt.Sprintf("Could not read %s.", path), err)
	}
	var sf scanFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, erruser.New(fmt.Sprintf("%s is not a valid scan file.", path), err)
	}
	if strings.TrimSpace(sf.URL) == "" {
		return nil, erruser.New(fmt.Sprintf("%s has no url.", path), nil)
	}
	if sf.Status == "" {
		sf.Status = store.TargetCompleted
	}
	if sf.Verdict != "" {
		switch v := scanner.Verdict(sf.Verdict); v {
		case scanner.VerdictGo, scanner.VerdictGoWithConditions, scanner.VerdictNoGo:
		default:
			return nil, erruser.New(fmt.Sprintf("Unknown verdict %q (want GO, GO_WITH_CONDITIONS or NO-GO).", sf.Verdict), nil)
		}
	}
	for i, f := range sf.Findings {
		sev, err := findings.ParseSeverity(string(f.Severity))
		if err != nil {
			return nil, erruser.New(fmt.Sprintf("Finding %q has an invalid severity.", f.ID), err)
		}
		sf.Findings[i].Severity = sev
	}
	report := sf.ReportPath
	if report != "" && !filepath.IsAbs(report) {
		report = filepath.Join(filepath.Dir(path), report)
	}
	if report != "" {
		if abs, err := filepath.Abs(report); err == nil {
			report = abs
		}
		if _, err := os.Stat(report); err != nil {
			return nil, erruser.New(fmt.Sprintf("Report %s does not exist.", report), err)
		}
	}
	return &store.Target{
		ID:           sf.ID,
		URL:          strings.TrimSpace(sf.URL),
		Status:       sf.Status,
		ReportPath:   report,
		OverallScore: sf.OverallScore,
		Verdict:      sf.Verdict,
		TechStack:    sf.TechStack,
		Findings:     sf.Findings,
	}, nil
}

func runTargetImport(cmd *cobra.Command, args []string) error {
	t, err := readScanFile(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.CreateTarget(ctx, t); err != nil {
		return erruser.New("Could not store the target.", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s✓%s Imported %s as target %s%s%s\n", colorGreen, colorReset, t.URL, styleBoldWhite, t.ID, colorReset)
	counts := findings.CountBySeverity(t.Findings)
	fmt.Fprintf(out, "  score %s, verdict %s, %d critical, %d high, %d medium, %d low\n",
		formatScore(t.OverallScore), orDash(t.Verdict),
		counts[findings.SeverityCritical], counts[findings.SeverityHigh],
		counts[findings.SeverityMedium], counts[findings.SeverityLow])
	fmt.Fprintf(out, "  Next: gonogo fix run %s --repo <path>\n", t.ID)
	return nil
}

func runTargetList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	targets, err := a.store.ListTargets(ctx)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	printTargets(cmd.OutOrStdout(), targets, all)
	return nil
}

func printTargets(w io.Writer, targets []*store.Target, all bool) {
	shown := 0
	for _, t := range targets {
		if t.ParentID != "" && !all {
			continue
		}
		shown++
		line := fmt.Sprintf("%s  %-10s  %5s  %s  %s",
			t.ID, t.Status, formatScore(t.OverallScore),
			theme.VerdictStyle(t.Verdict).Render(fmt.Sprintf("%-18s", orDash(t.Verdict))), t.URL)
		if t.ParentID != "" {
			line += tableDimStyle.Render("  (rescan of " + shortTargetID(t.ParentID) + ")")
		}
		if t.FixBranch != "" {
			line += tableDimStyle.Render("  [" + t.FixBranch + "]")
		}
		fmt.Fprintln(w, line)
	}
	if shown == 0 {
		fmt.Fprintln(w, "No targets. Import a scan with 'gonogo target import <scan.json>'.")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
