package textutil

import (
	"strings"
	"testing"
	"time"
)

func TestCleanText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"hello world", "hello world"},
		{"line1\r\nline2", "line1\nline2"},
		{"tab\there", "tab\there"},
		{"bell\x07char", "bellchar"},
		{"  padded  ", "padded"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CleanText(tc.in); got != tc.want {
			t.Errorf("CleanText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWordCount(t *testing.T) {
	if n := WordCount("one two  three\nfour"); n != 4 {
		t.Errorf("expected 4 words, got %d", n)
	}
	if n := WordCount("   "); n != 0 {
		t.Errorf("expected 0 words in whitespace, got %d", n)
	}
}

func TestCorrectText_EscapedUnicode(t *testing.T) {
	got := CorrectText(`café`)
	if got != "café" {
		t.Errorf("expected café, got %q", got)
	}
	// Control escapes stay as-is rather than injecting control chars.
	got = CorrectText(`ab`)
	if got != `ab` {
		t.Errorf("control escape was decoded: %q", got)
	}
}

func TestCorrectText_CleanInputUnchanged(t *testing.T) {
	in := "plain ascii text stays put"
	if got := CorrectText(in); got != in {
		t.Errorf("clean input modified: %q", got)
	}
}

func TestTruncateText(t *testing.T) {
	// Fits: unchanged, not truncated.
	s, truncated := TruncateText("short", 100)
	if s != "short" || truncated {
		t.Errorf("fitting text changed: %q truncated=%v", s, truncated)
	}

	// Over: at most max bytes, flagged.
	long := strings.Repeat("a", 50)
	s, truncated = TruncateText(long, 10)
	if len(s) > 10 || !truncated {
		t.Errorf("len=%d truncated=%v", len(s), truncated)
	}

	// Never splits a rune.
	s, truncated = TruncateText("aé", 2) // é is 2 bytes, starts at offset 1
	if !truncated {
		t.Error("expected truncation")
	}
	if s != "a" {
		t.Errorf("rune split: %q", s)
	}

	// Exact boundary is not a truncation.
	s, truncated = TruncateText("abc", 3)
	if s != "abc" || truncated {
		t.Errorf("exact fit mishandled: %q truncated=%v", s, truncated)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	in := "2024-01-01T00:00:05Z"
	ts, err := ParseTimestamp(in)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := SerializeTimestamp(ts); got != in {
		t.Errorf("round trip: %q -> %q", in, got)
	}
}

func TestParseTimestamp_Offsets(t *testing.T) {
	ts, err := ParseTimestamp("2024-06-15T12:00:00+02:00")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ts.Location() != time.UTC {
		t.Error("result not in UTC")
	}
	if ts.Hour() != 10 {
		t.Errorf("offset not applied: hour=%d", ts.Hour())
	}

	if _, err := ParseTimestamp("not a time"); err == nil {
		t.Error("garbage timestamp accepted")
	}
	if _, err := ParseTimestamp(""); err == nil {
		t.Error("empty timestamp accepted")
	}
}

func TestISODate(t *testing.T) {
	ts, _ := ParseTimestamp("2024-03-09T23:30:00-05:00")
	if got := ISODate(ts); got != "2024-03-10" {
		t.Errorf("expected UTC date 2024-03-10, got %s", got)
	}
}
