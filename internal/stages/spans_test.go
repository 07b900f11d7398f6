package stages

import (
	"reflect"
	"testing"
)

func TestSplitClauses(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a plain sentence", []string{"a plain sentence"}},
		{"first clause, second clause", []string{"first clause", "second clause"}},
		{"head: body; tail", []string{"head", "body", "tail"}},
		{"trailing comma,", []string{"trailing comma"}},
		{",,;;", nil},
		{"", nil},
	}
	for _, tc := range cases {
		got := splitClauses(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitClauses(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseExtraction(t *testing.T) {
	parsed, err := parseExtraction(`{"intent":"debug","task_type":"coding","has_code_block":true}`)
	if err != nil {
		t.Fatalf("plain JSON rejected: %v", err)
	}
	if parsed.Intent != "debug" || parsed.TaskType != "coding" {
		t.Errorf("fields lost: %+v", parsed)
	}
}

func TestParseExtraction_StripsCodeFence(t *testing.T) {
	parsed, err := parseExtraction("```json\n{\"intent\":\"explain\"}\n```")
	if err != nil {
		t.Fatalf("fenced JSON rejected: %v", err)
	}
	if parsed.Intent != "explain" {
		t.Errorf("intent %q", parsed.Intent)
	}
}

func TestParseExtraction_Rejects(t *testing.T) {
	if _, err := parseExtraction("not json at all"); err == nil {
		t.Error("garbage accepted")
	}
	if _, err := parseExtraction(`{"complexity":"high"}`); err == nil {
		t.Error("response without intent or task_type accepted")
	}
}

func TestExtractKeywords(t *testing.T) {
	text := "The parser reads tokens from the lexer and builds an abstract syntax tree. The parser also reports syntax errors."
	kws, err := extractKeywords(text, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(kws) == 0 {
		t.Fatal("no keywords extracted")
	}
	if len(kws) > 5 {
		t.Errorf("top-n not respected: %d keywords", len(kws))
	}
	for i := 1; i < len(kws); i++ {
		if kws[i].Score > kws[i-1].Score {
			t.Errorf("keywords not sorted by score: %v", kws)
		}
	}
	seen := false
	for _, k := range kws {
		if k.Keyword == "parser" || k.Keyword == "syntax" {
			seen = true
		}
		if len(k.Keyword) < 3 {
			t.Errorf("short keyword %q kept", k.Keyword)
		}
	}
	if !seen {
		t.Errorf("expected a repeated noun among keywords: %v", kws)
	}
}
