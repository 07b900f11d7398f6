package stages

import (
	"strings"
	"testing"

	"entpipe/internal/entity"
	"entpipe/internal/identity"
)

func passingRow() entity.UnifiedRow {
	return entity.UnifiedRow{
		EntityID:   identity.MessageIDFromGUID("p", "g", "f"),
		SourceName: entity.SourceName,
		Level:      entity.LevelMessage,
		Text:       "some message text",
		SessionID:  "sess",
	}
}

func TestValidateRow_Passes(t *testing.T) {
	u := passingRow()
	status, score, errs, warns := ValidateRow(&u, false)
	if status != entity.StatusPassed {
		t.Errorf("status %s, want PASSED (errs=%v warns=%v)", status, errs, warns)
	}
	if score != 1.0 {
		t.Errorf("score %.2f, want 1.0", score)
	}
}

func TestValidateRow_ErrorsFail(t *testing.T) {
	u := passingRow()
	u.EntityID = "not-hex"
	status, score, errs, _ := ValidateRow(&u, false)
	if status != entity.StatusFailed {
		t.Errorf("status %s, want FAILED", status)
	}
	if len(errs) != 1 {
		t.Errorf("expected 1 error, got %v", errs)
	}
	if score != 0.5 {
		t.Errorf("score %.2f, want 0.5", score)
	}
}

func TestValidateRow_ScoreFloorsAtZero(t *testing.T) {
	u := entity.UnifiedRow{Level: 99}
	_, score, errs, _ := ValidateRow(&u, false)
	if len(errs) < 3 {
		t.Fatalf("expected several errors, got %v", errs)
	}
	if score != 0 {
		t.Errorf("score %.2f, want 0", score)
	}
}

func TestValidateRow_EmptyTokenTextWarns(t *testing.T) {
	u := passingRow()
	u.Level = entity.LevelToken
	u.Text = ""
	status, score, errs, warns := ValidateRow(&u, false)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(warns) != 1 || !strings.Contains(warns[0], "token") {
		t.Errorf("expected token warning, got %v", warns)
	}
	if status != entity.StatusPassed || score != 0.9 {
		t.Errorf("status %s score %.2f, want PASSED 0.9", status, score)
	}
}

func TestValidateRow_StrictPromotesWarnings(t *testing.T) {
	u := passingRow()
	u.Level = entity.LevelToken
	u.Text = ""
	status, _, errs, warns := ValidateRow(&u, true)
	if status != entity.StatusFailed {
		t.Errorf("strict status %s, want FAILED", status)
	}
	if len(errs) != 1 || len(warns) != 0 {
		t.Errorf("strict should move warnings into errors: errs=%v warns=%v", errs, warns)
	}
}

func TestValidateRow_Deterministic(t *testing.T) {
	u := passingRow()
	u.SessionID = ""
	u.Text = ""
	s1, sc1, e1, _ := ValidateRow(&u, false)
	s2, sc2, e2, _ := ValidateRow(&u, false)
	if s1 != s2 || sc1 != sc2 || len(e1) != len(e2) {
		t.Errorf("re-validation diverged: %s/%.2f vs %s/%.2f", s1, sc1, s2, sc2)
	}
}

func TestValidateRow_NegativeWordCount(t *testing.T) {
	u := passingRow()
	n := -1
	u.WordCount = &n
	status, _, _, _ := ValidateRow(&u, false)
	if status != entity.StatusFailed {
		t.Errorf("negative word count not rejected: %s", status)
	}
}
