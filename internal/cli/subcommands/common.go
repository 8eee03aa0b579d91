package subcommands

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"EdgeLLM/internal/generation"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorBlue   = "\033[34m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

const logo = `
 ███████╗██████╗  ██████╗ ███████╗██╗     ██╗     ███╗   ███╗
 ██╔════╝██╔══██╗██╔════╝ ██╔════╝██║     ██║     ████╗ ████║
 █████╗  ██║  ██║██║  ███╗█████╗  ██║     ██║     ██╔████╔██║
 ██╔══╝  ██║  ██║██║   ██║██╔══╝  ██║     ██║     ██║╚██╔╝██║
 ███████╗██████╔╝╚██████╔╝███████╗███████╗███████╗██║ ╚═╝ ██║
 ╚══════╝╚═════╝  ╚═════╝ ╚══════╝╚══════╝╚══════╝╚═╝     ╚═╝
`

// runCLISpinner animates message on w until done is closed, then clears
// the line.
func runCLISpinner(w io.Writer, done <-chan struct{}, message string) {
	frames := []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		fmt.Fprintf(w, "\r%s%c %s...%s", colorCyan, frames[i%len(frames)], message, colorReset)
		select {
		case <-done:
			fmt.Fprintf(w, "\r%s\r", strings.Repeat(" ", len(message)+6))
			return
		case <-tick.C:
		}
	}
}

// printResponseStats writes the metrics line shown after a reply.
func printResponseStats(w io.Writer, m generation.Metrics) {
	fmt.Fprintf(w, "\n%s--- Statistics ---%s\n", colorBold+colorGray, colorReset)
	fmt.Fprintf(w, "%sTokens:%s in=%d out=%d (%.1f tok/s)\n", colorGray, colorReset,
		m.InputTokens, m.OutputTokens, m.TokensPerSecond)
	fmt.Fprintf(w, "%sLatency:%s ttft=%s total=%s\n", colorGray, colorReset,
		m.TTFT.Truncate(time.Millisecond), m.Elapsed.Truncate(time.Millisecond))
	fmt.Fprintf(w, "%sContext:%s %.1f%% of %d\n", colorGray, colorReset,
		m.ContextUtilization*100, m.ContextSize)
	fmt.Fprintf(w, "%sFinish:%s %s\n", colorGray, colorReset, m.Finish.Text())
}

// parseSetting turns a /set value into the most specific option type.
func parseSetting(value string) any {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "true", "on", "yes":
		return true
	case "false", "off", "no":
		return false
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// truncateString shortens s to at most maxLen runes.
func truncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// stripANSI removes terminal color codes.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}
