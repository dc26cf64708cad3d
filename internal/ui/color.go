// Package ui provides colored terminal output for the qldb CLI.
//
// Colors respect the --no-color flag and the NO_COLOR environment variable,
// and are disabled automatically when stdout is not a terminal.
//
//   - Red: errors, failures
//   - Yellow: warnings
//   - Green: success
//   - Cyan: info and counts
//   - Bold: headers and labels
//   - Dim: paths and other details
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Out receives all status output. Tests replace it.
var Out io.Writer = color.Output

var (
	// Red is used for errors
	Red = color.New(color.FgRed)
	// Yellow is used for warnings
	Yellow = color.New(color.FgYellow)
	// Green is used for success messages
	Green = color.New(color.FgGreen)
	// Cyan is used for informational messages
	Cyan = color.New(color.FgCyan)
	// Bold is used for headers and labels
	Bold = color.New(color.Bold)
	// Dim is used for less important details
	Dim = color.New(color.Faint)
)

// InitColors disables color when noColor is set or NO_COLOR is present.
func InitColors(noColor bool) {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || noColor {
		color.NoColor = true
	}
}

// Success prints a green message with a checkmark.
func Success(msg string) {
	_, _ = Green.Fprintln(Out, "✓ "+msg)
}

// Successf is Success with formatting.
func Successf(format string, args ...any) {
	Success(fmt.Sprintf(format, args...))
}

// Warning prints a yellow message with a warning sign.
func Warning(msg string) {
	_, _ = Yellow.Fprintln(Out, "⚠ "+msg)
}

// Warningf is Warning with formatting.
func Warningf(format string, args ...any) {
	Warning(fmt.Sprintf(format, args...))
}

// Info prints a cyan message.
func Info(msg string) {
	_, _ = Cyan.Fprintln(Out, "ℹ "+msg)
}

// Infof is Info with formatting.
func Infof(format string, args ...any) {
	Info(fmt.Sprintf(format, args...))
}

// Header prints a bold header underlined with '='.
func Header(text string) {
	_, _ = Bold.Fprintln(Out, text)
	_, _ = fmt.Fprintln(Out, strings.Repeat("=", len(text)))
}

// Label returns text in bold.
func Label(text string) string {
	return Bold.Sprint(text)
}

// DimText returns text dimmed.
func DimText(text string) string {
	return Dim.Sprint(text)
}

// CountText returns a count in cyan.
func CountText(count int) string {
	return Cyan.Sprint(count)
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
