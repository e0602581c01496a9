package ui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/wirevault/tunnel"
)

// Palette shared with the desktop front end.
const (
	colorRunning  = lipgloss.Color("#2ec27e")
	colorStarting = lipgloss.Color("#e5a50a")
	colorError    = lipgloss.Color("#e01b24")
	colorAccent   = lipgloss.Color("#3584e4")
	colorMuted    = lipgloss.Color("241")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle  = lipgloss.NewStyle().Foreground(colorError)
	statusStyle = lipgloss.NewStyle().Padding(0, 1)
	frameStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(colorMuted)
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorMuted).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(colorAccent).
		Bold(false)
	return s
}

// statusLabel renders a tunnel status with its color.
func statusLabel(s tunnel.Status) string {
	style := lipgloss.NewStyle()
	switch s {
	case tunnel.StatusRunning:
		style = style.Foreground(colorRunning)
	case tunnel.StatusStarting, tunnel.StatusStopping:
		style = style.Foreground(colorStarting)
	case tunnel.StatusError:
		style = style.Foreground(colorError)
	default:
		style = style.Foreground(colorMuted)
	}
	return style.Render(s.Label())
}
