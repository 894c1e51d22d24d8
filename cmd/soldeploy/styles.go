package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"soldeploy/internal/config"
)

var (
	Success = lipgloss.Color("#8BC34A") // Lime Green
	Danger  = lipgloss.Color("#e53935") // Red
	Info    = lipgloss.Color("#2196F3") // Blue
	Muted   = lipgloss.Color("#9e9e9e")

	successStyle = lipgloss.NewStyle().Foreground(Success).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(Danger).Bold(true)
	headerStyle  = lipgloss.NewStyle().Foreground(Info).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(Muted)
)

func printSuccess(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, successStyle.Render("✅ "+fmt.Sprintf(format, args...)))
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, headerStyle.Render(title))
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", mutedStyle.Render(label+":"), value)
}

// printError reports err with its SDK code and details when it carries them.
func printError(w io.Writer, err error) {
	msg := config.MessageOf(err)
	var fe *failedError
	if errors.As(err, &fe) {
		msg = fe.step + " failed: " + config.MessageOf(fe.err)
	}
	fmt.Fprintln(w, errorStyle.Render("❌ "+msg))
	if code := config.CodeOf(err); code != "" {
		fmt.Fprintf(w, "Error code: %s\n", code)
	}
	if details := config.DetailsOf(err); details != "" {
		fmt.Fprintf(w, "Details: %s\n", details)
	}
}
