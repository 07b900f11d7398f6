package logging

import "testing"

func TestStage(t *testing.T) {
	if got := Stage(5, "conversations"); got != "stage05/conversations" {
		t.Errorf("Stage(5) = %q", got)
	}
	if got := Stage(16, "promotion"); got != "stage16/promotion" {
		t.Errorf("Stage(16) = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("line one\nline two", 100); got != "line one line two" {
		t.Errorf("newlines not flattened: %q", got)
	}
	if got := Truncate("abcdefgh", 4); got != "abcd..." {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate = %q", got)
	}
}
