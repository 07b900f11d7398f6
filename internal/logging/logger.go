// Package logging is a thin leveled wrapper over the standard log package.
// Every line carries a bracketed subsystem tag so interleaved stage output
// stays greppable.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

var debugEnabled = os.Getenv("ENTPIPE_DEBUG") == "true" || os.Getenv("DEBUG") == "true"

// Stage returns the subsystem tag for one pipeline stage, for example
// "stage05/conversations". Zero-padded so stage logs sort in stage order.
func Stage(n int, name string) string {
	return fmt.Sprintf("stage%02d/%s", n, name)
}

// Info logs an informational message.
func Info(subsystem, format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
}

// Warn logs a warning.
func Warn(subsystem, format string, args ...any) {
	log.Printf("[%s] WARNING: "+format, append([]any{subsystem}, args...)...)
}

// Error logs an error.
func Error(subsystem, format string, args ...any) {
	log.Printf("[%s] ERROR: "+format, append([]any{subsystem}, args...)...)
}

// Debug logs only when ENTPIPE_DEBUG=true.
func Debug(subsystem, format string, args ...any) {
	if debugEnabled {
		log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
	}
}

// Truncate flattens s to a single line and caps it at maxLen with an
// ellipsis. Raw session content can be megabytes; log lines cannot.
func Truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
