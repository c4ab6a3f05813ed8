package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// consoleNotifier prints background notifications to stderr so they do
// not mix with command output on stdout.
type consoleNotifier struct {
	info lipgloss.Style
	warn lipgloss.Style
	errs lipgloss.Style
}

func newConsoleNotifier() *consoleNotifier {
	return &consoleNotifier{
		info: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		warn: lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		errs: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

func (n *consoleNotifier) Notify(level types.NotifyLevel, title, body string) {
	style := n.info
	switch level {
	case types.NotifyWarning:
		style = n.warn
	case types.NotifyError:
		style = n.errs
	}
	line := title
	if body != "" {
		line += ": " + body
	}
	fmt.Fprintln(os.Stderr, style.Render(fmt.Sprintf("[%s] %s", level, line)))
}
