package runtui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/gonogo/internal/theme"
)

// Header and status bar.
var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBase).
			Background(theme.ColorBlue).
			Padding(0, 2)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(theme.ColorSubtext0).
			Background(theme.ColorSurface0).
			Padding(0, 1)

	statusKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorLavender).
			Background(theme.ColorSurface0)

	statusValueStyle = lipgloss.NewStyle().
				Foreground(theme.ColorSubtext0).
				Background(theme.ColorSurface0)
)

// Body styles.
var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorSurface2).
			Padding(0, 1)

	sectionTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(theme.ColorLavender)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorMauve).
			Width(10)

	valueStyle = lipgloss.NewStyle().
			Foreground(theme.ColorText)

	dimStyle = lipgloss.NewStyle().
			Foreground(theme.ColorOverlay0)

	errorStyle = lipgloss.NewStyle().
			Foreground(theme.ColorRed)

	warnStyle = lipgloss.NewStyle().
			Foreground(theme.ColorPeach)

	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorYellow)
)
