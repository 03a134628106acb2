package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/agusx1211/gonogo/internal/fixloop"
	"github.com/agusx1211/gonogo/internal/progress"
	"github.com/agusx1211/gonogo/internal/store"
	"github.com/agusx1211/gonogo/internal/theme"
)

// printHeader prints a formatted section header.
func printHeader(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s%s%s\n", styleBoldCyan, title, colorReset)
	fmt.Fprintln(w, colorDim+strings.Repeat("-", len(title)+2)+colorReset)
}

// printField prints a labeled field.
func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s%-16s%s %s\n", colorBold, label+":", colorReset, value)
}

// formatEvent renders one progress event as a plain log line.
func formatEvent(ev progress.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%3.0f%%]", ev.Percent)
	if ev.Cycle > 0 && ev.MaxCycles > 0 {
		fmt.Fprintf(&b, " cycle %d/%d", ev.Cycle, ev.MaxCycles)
	}
	b.WriteString(" ")
	b.WriteString(ev.Message)
	if ev.Code != "" {
		fmt.Fprintf(&b, " (%s)", ev.Code)
	}
	return b.String()
}

func eventColor(t progress.EventType) string {
	switch t {
	case progress.EventError:
		return colorRed
	case progress.EventCycleComplete, progress.EventLoopComplete:
		return colorGreen
	case progress.EventAwaitingDeployURL, progress.EventLoopStopped:
		return colorYellow
	}
	return ""
}

func printEvent(w io.Writer, ev progress.Event) {
	if c := eventColor(ev.Type); c != "" {
		fmt.Fprintf(w, "%s%s%s\n", c, formatEvent(ev), colorReset)
		return
	}
	fmt.Fprintln(w, formatEvent(ev))
}

// printSummary prints the loop_complete payload.
func printSummary(w io.Writer, s *progress.Summary) {
	if s == nil {
		return
	}
	printHeader(w, "Fix loop summary")
	printField(w, "Cycles", fmt.Sprintf("%d", s.CyclesCompleted))
	printField(w, "Resolved", fmt.Sprintf("%d", s.TotalResolved))
	printField(w, "Score", scoreLine(s))
	if s.FinalVerdict != "" {
		printField(w, "Verdict", theme.VerdictStyle(s.FinalVerdict).Render(s.FinalVerdict))
	}
	printField(w, "Cost", fmt.Sprintf("$%.2f", s.TotalCostUSD))
	if s.FixBranch != "" {
		printField(w, "Fix branch", s.FixBranch)
	}
	if s.Stopped {
		printField(w, "Stopped", "yes")
	}
	if s.Error != "" {
		printField(w, "Error", colorRed+s.Error+colorReset)
	}
}

func scoreLine(s *progress.Summary) string {
	line := formatScore(s.InitialScore) + " → " + formatScore(s.FinalScore)
	if s.ScoreDelta != nil {
		line += fmt.Sprintf(" (%+.0f)", *s.ScoreDelta)
	}
	return line
}

func formatScore(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.0f", *p)
}

// printQRCode prints url as a terminal QR code.
func printQRCode(w io.Writer, url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, code.ToString(false))
	return nil
}

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(theme.ColorLavender)
	tableDimStyle    = lipgloss.NewStyle().Foreground(theme.ColorOverlay0)
)

// printReport prints a loop report with its cycle table.
func printReport(w io.Writer, r *fixloop.Report) {
	printHeader(w, "Fix loop "+r.TargetID)
	printField(w, "URL", r.URL)
	printField(w, "Status", theme.CycleStatusStyle(string(r.Status)).Render(string(r.Status)))
	printField(w, "Cycle", fmt.Sprintf("%d/%d", r.CurrentCycle, r.MaxCycles))
	if r.ApplyMode != "" {
		printField(w, "Apply mode", r.ApplyMode)
	}
	if r.RepoPath != "" {
		printField(w, "Repository", r.RepoPath)
	}
	if r.FixBranch != "" {
		printField(w, "Fix branch", r.FixBranch)
	}
	printField(w, "Cost", fmt.Sprintf("$%.2f", r.Totals.CostUSD))
	printField(w, "Resolved", fmt.Sprintf("%d", r.Totals.FindingsResolved))
	printField(w, "Elapsed", r.Totals.Elapsed.Round(time.Second).String())
	printField(w, "Agent time", (time.Duration(r.Totals.AgentDurationSeconds * float64(time.Second))).Round(time.Second).String())

	if len(r.Cycles) == 0 {
		fmt.Fprintln(w, "\n  "+tableDimStyle.Render("No cycles recorded."))
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, renderCycleTable(r.Cycles))
}

// renderCycleTable lays out cycle records as aligned columns.
func renderCycleTable(cycles []*store.CycleRecord) string {
	headers := []string{"#", "STATUS", "FIXED", "NEW", "SAME", "SCORE", "VERDICT", "COST", "ERROR"}
	rows := make([][]string, 0, len(cycles))
	for _, c := range cycles {
		rows = append(rows, []string{
			fmt.Sprintf("%d", c.CycleNumber),
			string(c.Status),
			fmt.Sprintf("%d", c.FindingsResolved),
			fmt.Sprintf("%d", c.FindingsNew),
			fmt.Sprintf("%d", c.FindingsUnchanged),
			formatScore(c.RescanScore),
			c.RescanVerdict,
			fmt.Sprintf("$%.2f", c.CostUSD),
			truncateText(c.ErrorMessage, 48),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	b.WriteString("  ")
	for i, h := range headers {
		b.WriteString(tableHeaderStyle.Render(pad(h, widths[i])))
		b.WriteString("  ")
	}
	for _, row := range rows {
		b.WriteString("\n  ")
		for i, cell := range row {
			styled := pad(cell, widths[i])
			switch i {
			case 1:
				styled = theme.CycleStatusStyle(cell).Render(styled)
			case 6:
				styled = theme.VerdictStyle(cell).Render(styled)
			}
			b.WriteString(styled)
			b.WriteString("  ")
		}
	}
	return b.String()
}

func pad(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func truncateText(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
