package main

import (
	"fmt"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
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

// printField prints one aligned line of the status report.
func printField(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, fmt.Sprintf("%-13s", label+":"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// printFlag prints a two-state field, coloring the negative state yellow so
// an incomplete backup or an unloaded index stands out in the report.
func printFlag(label string, ok bool, yes, no string) {
	if ok {
		printField(label, "%s", yes)
		return
	}
	printField(label, "%s", colorize(colorYellow, no))
}

// hitRate formats the embedding cache hit percentage, or "n/a" before any
// lookup has happened.
func hitRate(hits, misses int64) string {
	total := hits + misses
	if total == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", float64(hits)/float64(total)*100)
}
