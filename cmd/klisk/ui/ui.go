// Package ui centralizes styled CLI output: status glyphs, key/value
// lines, and plain tables.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
	urlStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#2196F3"))
	boldStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// Success prints a green check line.
func Success(msg string) {
	fmt.Println("  " + successStyle.Render("✓") + " " + msg)
}

// Error prints a red cross line to stderr.
func Error(msg string) {
	fmt.Fprintln(os.Stderr, "  "+errorStyle.Render("✗")+" "+msg)
}

// Warning prints a yellow warning line.
func Warning(msg string) {
	fmt.Println("  " + warnStyle.Render("⚠") + " " + msg)
}

// Info prints a dim informational line.
func Info(msg string) {
	fmt.Println(dimStyle.Render("  ℹ " + msg))
}

// Dim prints a de-emphasized line.
func Dim(msg string) {
	fmt.Println(dimStyle.Render("  " + msg))
}

// Header prints a bold section title preceded by a blank line.
func Header(msg string) {
	fmt.Println()
	fmt.Println("  " + boldStyle.Render(msg))
}

// KV prints an aligned key/value pair.
func KV(key, value string) {
	fmt.Printf("  %s %s\n", boldStyle.Render(pad(key+":", 12)), value)
}

// URL prints an aligned key with a highlighted link.
func URL(label, link string) {
	fmt.Printf("  %s %s\n", boldStyle.Render(pad(label+":", 12)), urlStyle.Render(link))
}

// NextSteps prints a numbered follow-up list.
func NextSteps(items []string) {
	fmt.Println()
	fmt.Println("  " + boldStyle.Render("Next steps:"))
	for i, item := range items {
		fmt.Printf("    %d. %s\n", i+1, item)
	}
}

// Plain prints an unstyled line.
func Plain(msg string) {
	fmt.Println(msg)
}

// Good returns s rendered in the success color, for inline use.
func Good(s string) string {
	return successStyle.Render(s)
}

// Muted returns s dimmed, for inline use.
func Muted(s string) string {
	return dimStyle.Render(s)
}

// Table prints rows under bold headers, columns sized to content.
func Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	b.WriteString("  ")
	for i, h := range headers {
		b.WriteString(boldStyle.Render(pad(h, widths[i])))
		if i < len(headers)-1 {
			b.WriteString("  ")
		}
	}
	fmt.Println(b.String())

	total := -2
	for _, w := range widths {
		total += w + 2
	}
	fmt.Println("  " + dimStyle.Render(strings.Repeat("─", total)))

	for _, row := range rows {
		b.Reset()
		b.WriteString("  ")
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			b.WriteString(pad(cell, widths[i]))
			if i < len(row)-1 {
				b.WriteString("  ")
			}
		}
		fmt.Println(b.String())
	}
}

// pad right-pads before styling; styled strings defeat %-*s alignment.
func pad(s string, width int) string {
	if d := width - lipgloss.Width(s); d > 0 {
		return s + strings.Repeat(" ", d)
	}
	return s
}
