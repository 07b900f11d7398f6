package verify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/identity"
	"entpipe/internal/warehouse"
)

func newTestVerifier(t *testing.T) (*Verifier, *warehouse.DB, string) {
	t.Helper()
	root := t.TempDir()
	wh, err := warehouse.Open(filepath.Join(root, "warehouse.db"))
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	staging := filepath.Join(root, "staging")
	if err := os.MkdirAll(staging, 0755); err != nil {
		t.Fatal(err)
	}
	return New(wh, staging), wh, staging
}

func sentenceRow(idx, level int, runID string) entity.SentenceRow {
	parent := identity.MessageIDFromGUID("p", "g", "f")
	return entity.SentenceRow{
		EntityID:      identity.SentenceID(parent, idx),
		ParentID:      parent,
		SessionID:     "sess",
		Level:         level,
		SentenceIndex: idx,
		Text:          "a sentence",
		EndChar:       10,
		WordCount:     2,
		CreatedAt:     time.Now().UTC(),
		RunID:         runID,
	}
}

func TestStage_RejectsUnknownStage(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	if _, err := v.Stage(17, ""); err == nil {
		t.Error("stage 17 accepted")
	}
	if _, err := v.Stage(-1, ""); err == nil {
		t.Error("stage -1 accepted")
	}
}

func TestStage_NoRowsForRun(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	report, err := v.Stage(6, identity.NewRunID())
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("empty run passed verification")
	}
	if report.Failures[0].Check != "rows_for_run" {
		t.Errorf("check %s, want rows_for_run", report.Failures[0].Check)
	}
}

func TestStage_PassesOnGoodRows(t *testing.T) {
	v, wh, _ := newTestVerifier(t)
	runID := identity.NewRunID()
	rows := []entity.SentenceRow{
		sentenceRow(0, entity.LevelSentence, runID),
		sentenceRow(1, entity.LevelSentence, runID),
	}
	if err := wh.InsertSentences(rows); err != nil {
		t.Fatal(err)
	}

	report, err := v.Stage(6, runID)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Errorf("good rows failed verification: %s", report.Format())
	}
	if report.RowCount != 2 {
		t.Errorf("row count %d, want 2", report.RowCount)
	}
	if !strings.Contains(report.Format(), "PASS") {
		t.Errorf("passing report does not say PASS:\n%s", report.Format())
	}
}

func TestStage_DetectsLevelViolation(t *testing.T) {
	v, wh, _ := newTestVerifier(t)
	runID := identity.NewRunID()
	if err := wh.InsertSentences([]entity.SentenceRow{sentenceRow(0, 9, runID)}); err != nil {
		t.Fatal(err)
	}

	report, err := v.Stage(6, runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("wrong level passed verification")
	}
	found := false
	for _, f := range report.Failures {
		if f.Check == "level_invariant" {
			found = true
		}
	}
	if !found {
		t.Errorf("level violation not reported: %s", report.Format())
	}
}

func TestStage_DetectsBadValidationStatus(t *testing.T) {
	v, wh, _ := newTestVerifier(t)
	runID := identity.NewRunID()
	row := entity.UnifiedRow{
		EntityID:         identity.MessageIDFromGUID("p", "g", "f"),
		SourceName:       entity.SourceName,
		SourcePipeline:   entity.SourcePipeline,
		Level:            entity.LevelMessage,
		Text:             "hello",
		SessionID:        "sess",
		CreatedAt:        time.Now().UTC(),
		RunID:            runID,
		ValidationStatus: "MAYBE",
		ValidationScore:  0.5,
	}
	if err := wh.InsertUnified(warehouse.TableUnified, []entity.UnifiedRow{row}); err != nil {
		t.Fatal(err)
	}

	report, err := v.Stage(16, runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("unknown validation status passed verification")
	}
}

func TestFailureFormat_ThreePartTemplate(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	report, err := v.Stage(0, identity.NewRunID())
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("missing manifest passed verification")
	}
	out := report.Format()
	for _, part := range []string{"FAIL", "What this means:", "What to do:", "  1. ", "Technical error:"} {
		if !strings.Contains(out, part) {
			t.Errorf("report missing %q:\n%s", part, out)
		}
	}
}

func TestVerifyDiscovery_FindsManifest(t *testing.T) {
	v, _, staging := newTestVerifier(t)
	runID := identity.NewRunID()
	path := filepath.Join(staging, "manifest_"+runID+".json")
	if err := os.WriteFile(path, []byte(`{"go_no_go":"GO"}`), 0644); err != nil {
		t.Fatal(err)
	}

	report, err := v.Stage(0, runID)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Errorf("manifest present but verification failed: %s", report.Format())
	}
}
