// Package ui renders codecoach results for the terminal.
package ui

import "github.com/charmbracelet/lipgloss"

// Palette
var (
	Primary     = lipgloss.Color("#101F38") // Dark Blue
	Accent      = lipgloss.Color("#8BC34A") // Lime Green
	Muted       = lipgloss.Color("#6b7685")
	Destructive = lipgloss.Color("#e53935")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
)

// Styles groups the styles used by the CLI output.
type Styles struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Bold    lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Card    lipgloss.Style
}

// DefaultStyles returns the CLI styles.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(Accent),
		Muted: lipgloss.NewStyle().
			Foreground(Muted),
		Bold: lipgloss.NewStyle().
			Bold(true),
		Success: lipgloss.NewStyle().
			Bold(true).
			Foreground(Accent),
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(Destructive),
		Warning: lipgloss.NewStyle().
			Foreground(Warning),
		Info: lipgloss.NewStyle().
			Foreground(Info),
		Card: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Muted).
			Padding(0, 1),
	}
}
