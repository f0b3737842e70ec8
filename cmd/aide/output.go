package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/transport"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printMessage writes a rendered reply the way a chat platform would show
// it: the text, then one line per button with the payload to press it.
func printMessage(w io.Writer, m transport.Message) {
	switch m.Status {
	case result.StatusOK:
	case result.StatusRateLimited:
		fmt.Fprintln(w, colorize(colorYellow, "[rate limited]"))
	default:
		fmt.Fprintln(w, colorize(colorRed, "["+string(m.Status)+"]"))
	}
	fmt.Fprintln(w, m.Text)
	if len(m.Buttons) == 0 {
		return
	}
	fmt.Fprintln(w)
	for i, b := range m.Buttons {
		fmt.Fprintf(w, "  %s %s  %s\n",
			colorize(colorBold, fmt.Sprintf("[%d]", i+1)),
			b.Label,
			colorize(colorCyan, "aide press "+b.Callback),
		)
	}
}
