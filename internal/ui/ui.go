// Package ui holds terminal styling for syncbox command output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Styles for 256-color dark terminals.
var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Colorized reports whether styled output should be emitted. False when
// stdout is not a terminal or the terminal advertises no color support.
func Colorized() bool {
	return termenv.EnvColorProfile() != termenv.Ascii &&
		!termenv.NewOutput(os.Stdout).EnvNoColor()
}

func render(style lipgloss.Style, s string) string {
	if !Colorized() {
		return s
	}
	return style.Render(s)
}

// Header styles a section heading.
func Header(s string) string { return render(headerStyle, s) }

// Accent styles identifiers and values worth drawing the eye to.
func Accent(s string) string { return render(accentStyle, s) }

// Success styles healthy or completed states.
func Success(s string) string { return render(successStyle, s) }

// Warn styles pending or degraded states.
func Warn(s string) string { return render(warnStyle, s) }

// Error styles failures.
func Error(s string) string { return render(errorStyle, s) }

// Muted styles secondary detail.
func Muted(s string) string { return render(mutedStyle, s) }

// Status styles an outbox status string with its semantic color.
func Status(status string) string {
	switch status {
	case "pending":
		return Warn(status)
	case "failed":
		return Error(status)
	case "synced":
		return Success(status)
	default:
		return Muted(status)
	}
}
