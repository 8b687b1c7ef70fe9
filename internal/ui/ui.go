// Package ui centralizes terminal styling for the xear CLI. Styles
// degrade to plain text when stdout is not a TTY or the terminal
// reports no color support, so piped output stays clean.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Colorized reports whether styled output is worth emitting: stdout is
// a terminal and the terminal advertises color.
func Colorized() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !Colorized() {
		return s
	}
	return style.Render(s)
}

// RenderAccent highlights a leading marker or title.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass marks a successful outcome.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn marks a degraded but non-fatal condition.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail marks a failure.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderDim de-emphasizes secondary detail.
func RenderDim(s string) string { return render(dimStyle, s) }

// RenderHeader styles a section heading.
func RenderHeader(s string) string { return render(headerStyle, s) }
