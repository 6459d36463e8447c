// Package ui provides user interface components for the pipeline CLI.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

// UI provides user-friendly output utilities. In JSON mode only JSON
// documents are written to stdout.
type UI struct {
	out      io.Writer
	errOut   io.Writer
	noColor  bool
	jsonMode bool
}

// New creates a UI. Color is also disabled when out is not a terminal.
func New(out, errOut io.Writer, jsonMode, noColor bool) *UI {
	if noColor {
		color.NoColor = true
	}
	return &UI{out: out, errOut: errOut, noColor: noColor || color.NoColor, jsonMode: jsonMode}
}

// JSONMode reports whether the UI only emits JSON.
func (ui *UI) JSONMode() bool { return ui.jsonMode }

// Out returns the stdout writer.
func (ui *UI) Out() io.Writer { return ui.out }

// ErrOut returns the stderr writer.
func (ui *UI) ErrOut() io.Writer { return ui.errOut }

// JSON writes v as an indented JSON document.
func (ui *UI) JSON(v any) error {
	enc := json.NewEncoder(ui.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (ui *UI) print(attr color.Attribute, w io.Writer, prefix, format string, args ...any) {
	if ui.jsonMode {
		return
	}
	msg := fmt.Sprintf("%s %s\n", prefix, fmt.Sprintf(format, args...))
	if ui.noColor {
		fmt.Fprint(w, msg)
		return
	}
	color.New(attr).Fprint(w, msg)
}

// Success prints a success message.
func (ui *UI) Success(format string, args ...any) {
	ui.print(color.FgGreen, ui.out, "✓", format, args...)
}

// Error prints an error message to stderr.
func (ui *UI) Error(format string, args ...any) {
	ui.print(color.FgRed, ui.errOut, "✗", format, args...)
}

// Warning prints a warning message.
func (ui *UI) Warning(format string, args ...any) {
	ui.print(color.FgYellow, ui.out, "⚠", format, args...)
}

// Info prints an info message.
func (ui *UI) Info(format string, args ...any) {
	ui.print(color.FgCyan, ui.out, "ℹ", format, args...)
}

// Step prints a step message.
func (ui *UI) Step(format string, args ...any) {
	ui.print(color.FgBlue, ui.out, "→", format, args...)
}

// Section prints a section header.
func (ui *UI) Section(title string) {
	if ui.jsonMode {
		return
	}
	fmt.Fprintln(ui.out)
	header := fmt.Sprintf("━━━ %s ━━━", strings.ToUpper(title))
	if ui.noColor {
		fmt.Fprintln(ui.out, header)
	} else {
		color.New(color.FgMagenta, color.Bold).Fprintln(ui.out, header)
	}
	fmt.Fprintln(ui.out)
}

// KeyValue prints a key-value pair.
func (ui *UI) KeyValue(key string, value any) {
	if ui.jsonMode {
		return
	}
	if ui.noColor {
		fmt.Fprintf(ui.out, "  %s: %v\n", key, value)
		return
	}
	color.New(color.FgYellow).Fprintf(ui.out, "  %s: ", key)
	fmt.Fprintf(ui.out, "%v\n", value)
}

// Newline prints a newline.
func (ui *UI) Newline() {
	if !ui.jsonMode {
		fmt.Fprintln(ui.out)
	}
}

// Table prints a bordered table. Cells may carry color escapes; widths are
// computed on the visible text.
func (ui *UI) Table(headers []string, rows [][]string) {
	if ui.jsonMode || len(headers) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = visibleLen(header)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && visibleLen(cell) > widths[i] {
				widths[i] = visibleLen(cell)
			}
		}
	}

	border := func(left, mid, right string) {
		var b strings.Builder
		b.WriteString(left)
		for i, width := range widths {
			b.WriteString(strings.Repeat("─", width+2))
			if i < len(widths)-1 {
				b.WriteString(mid)
			}
		}
		b.WriteString(right)
		if ui.noColor {
			fmt.Fprintln(ui.out, b.String())
		} else {
			color.New(color.FgCyan, color.Bold).Fprintln(ui.out, b.String())
		}
	}
	line := func(cells []string) {
		var b strings.Builder
		b.WriteString("│")
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(" ")
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", widths[i]-visibleLen(cell)))
			b.WriteString(" │")
		}
		fmt.Fprintln(ui.out, b.String())
	}

	border("┌", "┬", "┐")
	line(headers)
	border("├", "┼", "┤")
	for _, row := range rows {
		line(row)
	}
	border("└", "┴", "┘")
}

// State colors a run or stage state.
func (ui *UI) State(state string) string {
	if ui.noColor {
		return state
	}
	switch state {
	case "succeeded":
		return color.GreenString(state)
	case "failed":
		return color.RedString(state)
	case "skipped", "cancelled":
		return color.YellowString(state)
	case "running":
		return color.CyanString(state)
	default:
		return state
	}
}

// visibleLen is the rune count of s without ANSI escape sequences.
func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			n++
		}
	}
	return n
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

// IsTerminal checks if stdout is a terminal.
func IsTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
