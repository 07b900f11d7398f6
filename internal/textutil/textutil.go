// Package textutil holds the text cleaning and correction primitives used by
// stages 2 and 4, plus the truncation and timestamp helpers shared by the
// enrichment stages.
package textutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// CleanText strips control characters and normalizes whitespace without
// touching meaningful content. Newlines and tabs survive; CRLF collapses to
// LF; other C0/C1 controls are dropped.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// WordCount counts whitespace-separated tokens.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// mojibakeTable maps the common UTF-8-as-Latin-1 double-encoding artifacts
// to their intended characters. Only confidently detectable sequences are
// repaired.
var mojibakeTable = []struct{ bad, good string }{
	{"â", "’"}, // â€™ right single quote
	{"â", "‘"}, // â€˜ left single quote
	{"â", "“"}, // â€œ left double quote
	{"â", "”"}, // â€ right double quote
	{"â", "–"}, // â€“ en dash
	{"â", "—"}, // â€” em dash
	{"â¦", "…"}, // â€¦ ellipsis
	{"Ã©", "é"},       // Ã© e acute
	{"Ã¨", "è"},       // Ã¨ e grave
	{"Ã§", "ç"},       // Ã§ c cedilla
	{"Ã¼", "ü"},       // Ã¼ u umlaut
	{"Â ", " "},            // Â  non-breaking space artifact
}

var escapedUnicodePattern = regexp.MustCompile(`\\u[0-9a-fA-F]{4}`)

// CorrectText applies Unicode NFC normalization, repairs confidently
// detectable mojibake, and decodes stray \uXXXX escape sequences left over
// from double JSON encoding. Word-count semantics are preserved.
func CorrectText(s string) string {
	for _, m := range mojibakeTable {
		s = strings.ReplaceAll(s, m.bad, m.good)
	}
	s = escapedUnicodePattern.ReplaceAllStringFunc(s, func(esc string) string {
		n, err := strconv.ParseUint(esc[2:], 16, 32)
		if err != nil {
			return esc
		}
		r := rune(n)
		// Leave surrogates and controls alone rather than emit garbage.
		if !utf8.ValidRune(r) || unicode.IsControl(r) {
			return esc
		}
		return string(r)
	})
	return norm.NFC.String(s)
}

// TruncateText truncates s to at most max bytes, backing off to a rune
// boundary. Returns the (possibly shortened) text and whether truncation
// happened. When the text fits, it is returned unchanged.
func TruncateText(s string, max int) (string, bool) {
	if max < 0 {
		max = 0
	}
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

// timestampLayouts are the accepted source timestamp shapes, most specific
// first.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601-ish timestamp and returns it in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// SerializeTimestamp formats a time as ISO-8601 UTC with a Z suffix.
// SerializeTimestamp(ParseTimestamp(s)) == s for canonical inputs.
func SerializeTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ISODate formats a time as a YYYY-MM-DD date string.
func ISODate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
