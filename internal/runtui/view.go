package runtui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/gonogo/internal/progress"
	"github.com/agusx1211/gonogo/internal/theme"
)

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 || m.height < 8 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	info := []string{
		fieldLine("Repo", m.repoPath),
		fieldLine("Apply", m.applyMode),
		fieldLine("Deploy", m.deployMode),
	}
	if m.fixBranch != "" {
		info = append(info, fieldLine("Branch", m.fixBranch))
	}
	info = append(info, fieldLine("Elapsed", time.Since(m.startTime).Truncate(time.Second).String()))
	b.WriteString(panelStyle.Width(m.width - 2).Render(strings.Join(info, "\n")))
	b.WriteString("\n")

	b.WriteString(sectionTitleStyle.Render(m.cycleLabel()))
	b.WriteString("  ")
	b.WriteString(m.bar.ViewAs(m.percent / 100))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" %3.0f%%", m.percent)))
	b.WriteString("\n")

	if m.done {
		b.WriteString(m.renderSummary())
	} else {
		b.WriteString(m.spinner.View() + " " + valueStyle.Render(ansi.Truncate(m.step, max(m.width-4, 10), "…")))
	}
	b.WriteString("\n")

	if rows := m.renderCycles(); rows != "" {
		b.WriteString("\n" + rows + "\n")
	}

	if m.awaiting {
		b.WriteString("\n" + promptStyle.Render("Waiting for a deploy URL for this cycle."))
		if m.input.Focused() {
			b.WriteString("\n" + m.input.View())
		} else {
			b.WriteString(dimStyle.Render(" Press u to enter it."))
		}
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(warnStyle.Render(m.notice) + "\n")
	}

	used := lipgloss.Height(b.String())
	logRows := m.height - used - 1
	if logRows > 0 {
		b.WriteString(m.renderLog(logRows))
	}
	b.WriteString("\n" + m.renderStatusBar())
	return b.String()
}

func (m Model) renderHeader() string {
	title := fmt.Sprintf(" gonogo fix — %s ", m.targetURL)
	return headerStyle.
		Width(m.width).
		MaxWidth(m.width).
		Render(title)
}

func (m Model) renderStatusBar() string {
	var parts []string
	switch {
	case m.done:
		parts = append(parts, shortcut("q", "quit"))
	case m.input.Focused():
		parts = append(parts, shortcut("enter", "submit"), shortcut("esc", "cancel"))
	default:
		if m.awaiting {
			parts = append(parts, shortcut("u", "deploy URL"))
		}
		if m.stopping {
			parts = append(parts, shortcut("ctrl+c", "abort cycle"))
		} else {
			parts = append(parts, shortcut("ctrl+c", "stop after cycle"))
		}
	}
	return statusBarStyle.
		Width(m.width).
		MaxWidth(m.width).
		Render(strings.Join(parts, statusValueStyle.Render("  ")))
}

func (m Model) renderCycles() string {
	if len(m.cycles) == 0 {
		return ""
	}
	lines := []string{sectionTitleStyle.Render("Cycles")}
	for _, row := range m.cycles {
		if row.failed != "" {
			lines = append(lines, fmt.Sprintf("  %d  %s", row.cycle, errorStyle.Render(ansi.Truncate(row.failed, max(m.width-8, 10), "…"))))
			continue
		}
		line := fmt.Sprintf("  %d  %s fixed  %s new  %s unchanged",
			row.cycle,
			lipgloss.NewStyle().Foreground(theme.ColorGreen).Render(fmt.Sprint(row.delta.Resolved)),
			lipgloss.NewStyle().Foreground(theme.ColorRed).Render(fmt.Sprint(row.delta.New)),
			dimStyle.Render(fmt.Sprint(row.delta.Unchanged)))
		if row.delta.ScoreDelta != nil {
			line += fmt.Sprintf("  score %+.0f", *row.delta.ScoreDelta)
		}
		if row.deployURL != "" {
			line += dimStyle.Render("  " + row.deployURL)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderSummary() string {
	s := m.summary
	if s == nil {
		return dimStyle.Render("Loop ended.")
	}
	verdict := theme.VerdictStyle(s.FinalVerdict).Render(orDash(s.FinalVerdict))
	out := fmt.Sprintf("%s  %d cycles, %d resolved, verdict %s, $%.2f",
		sectionTitleStyle.Render("Done"), s.CyclesCompleted, s.TotalResolved, verdict, s.TotalCostUSD)
	if s.Error != "" {
		out += "\n" + errorStyle.Render(s.Error)
	}
	return out
}

func (m Model) renderLog(rows int) string {
	start := max(len(m.lines)-rows, 0)
	width := max(m.width-11, 10)
	out := make([]string, 0, rows)
	for _, l := range m.lines[start:] {
		text := ansi.Truncate(l.text, width, "…")
		switch l.kind {
		case progress.EventError:
			text = errorStyle.Render(text)
		case progress.EventCycleComplete, progress.EventLoopComplete:
			text = valueStyle.Render(text)
		default:
			text = dimStyle.Render(text)
		}
		out = append(out, dimStyle.Render(l.at.Format("15:04:05"))+"  "+text)
	}
	return strings.Join(out, "\n")
}

func fieldLine(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(orDash(value))
}

func shortcut(k, desc string) string {
	return statusKeyStyle.Render(k) + statusValueStyle.Render(" "+desc)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
