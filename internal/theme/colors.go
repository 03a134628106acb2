// Package theme holds the terminal palette shared by the CLI and the loop
// view.
package theme

import "github.com/charmbracelet/lipgloss"

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	ColorBase     = lipgloss.Color("#1e1e2e")
	ColorSurface0 = lipgloss.Color("#313244")
	ColorSurface2 = lipgloss.Color("#585b70")
	ColorOverlay0 = lipgloss.Color("#6c7086")
	ColorText     = lipgloss.Color("#cdd6f4")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed      = lipgloss.Color("#f38ba8")
	ColorGreen    = lipgloss.Color("#a6e3a1")
	ColorYellow   = lipgloss.Color("#f9e2af")
	ColorBlue     = lipgloss.Color("#89b4fa")
	ColorMauve    = lipgloss.Color("#cba6f7")
	ColorPeach    = lipgloss.Color("#fab387")
	ColorLavender = lipgloss.Color("#b4befe")
)

// CycleStatusStyle colors a cycle or loop status.
func CycleStatusStyle(status string) lipgloss.Style {
	switch status {
	case "pending", "fixing", "deploying", "rescanning", "running":
		return lipgloss.NewStyle().Foreground(ColorYellow)
	case "completed":
		return lipgloss.NewStyle().Foreground(ColorGreen)
	case "budget_exceeded", "rescan_failed", "interrupted":
		return lipgloss.NewStyle().Foreground(ColorPeach)
	case "failed", "deploy_failed":
		return lipgloss.NewStyle().Foreground(ColorRed)
	default:
		return lipgloss.NewStyle().Foreground(ColorOverlay0)
	}
}

// VerdictStyle colors a scan verdict.
func VerdictStyle(verdict string) lipgloss.Style {
	switch verdict {
	case "GO":
		return lipgloss.NewStyle().Foreground(ColorGreen).Bold(true)
	case "GO_WITH_CONDITIONS":
		return lipgloss.NewStyle().Foreground(ColorYellow).Bold(true)
	case "NO-GO":
		return lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(ColorOverlay0)
	}
}
