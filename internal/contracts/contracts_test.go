package contracts

import (
	"strings"
	"testing"
)

func TestCheck_RequiredFields(t *testing.T) {
	c := ForStage(1)
	rows := []map[string]any{
		{"extraction_id": "e1", "session_id": "s", "message_type": "message",
			"source_file": "/tmp/x.jsonl", "fingerprint": "f", "run_id": "r", "message_index": 0},
		{"extraction_id": "e2", "session_id": "", "message_type": "message",
			"source_file": "/tmp/x.jsonl", "fingerprint": "f", "run_id": "r", "message_index": 1},
	}
	res := c.Check(rows)
	if res.OK() {
		t.Fatal("empty session_id passed the contract")
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %v", res.Violations)
	}
	if !strings.Contains(res.Violations[0].Message, "row 1") {
		t.Errorf("violation does not name the row: %s", res.Violations[0].Message)
	}
}

func TestCheck_QualityRule(t *testing.T) {
	c := ForStage(2)
	row := map[string]any{
		"extraction_id": "e1", "session_id": "s", "fingerprint": "f", "run_id": "r",
		"content": "hello", "content_length": 4,
	}
	res := c.Check([]map[string]any{row})
	if res.OK() {
		t.Fatal("stale content_length passed the contract")
	}
	if res.Violations[0].Rule != "length_matches_content" {
		t.Errorf("wrong rule reported: %s", res.Violations[0].Rule)
	}

	row["content_length"] = 5
	if res := c.Check([]map[string]any{row}); !res.OK() {
		t.Errorf("correct row failed: %v", res.Violations)
	}
}

func TestCheck_SemanticRule(t *testing.T) {
	c := ForStage(3)
	id := strings.Repeat("a", 32)
	rows := []map[string]any{
		{"extraction_id": "e1", "entity_id": id, "session_id": "s", "run_id": "r"},
		{"extraction_id": "e2", "entity_id": id, "session_id": "s", "run_id": "r"},
	}
	res := c.Check(rows)
	if res.OK() {
		t.Fatal("duplicate entity ids passed the contract")
	}
	found := false
	for _, v := range res.Violations {
		if v.Rule == "unique_entity_ids" {
			found = true
		}
	}
	if !found {
		t.Errorf("uniqueness violation not reported: %v", res.Violations)
	}
}

func TestCheck_ShortEntityIDRejected(t *testing.T) {
	c := ForStage(3)
	rows := []map[string]any{
		{"extraction_id": "e1", "entity_id": "abc", "session_id": "s", "run_id": "r"},
	}
	res := c.Check(rows)
	if res.OK() {
		t.Fatal("short entity id passed the contract")
	}
}

func TestForStage_Coverage(t *testing.T) {
	if ForStage(0) != nil {
		t.Error("stage 0 should have no output contract")
	}
	for _, stage := range []int{1, 2, 3, 5, 6, 7, 8, 13, 14, 15, 16} {
		c := ForStage(stage)
		if c == nil {
			t.Errorf("stage %d has no contract", stage)
			continue
		}
		if c.Stage != stage {
			t.Errorf("contract for stage %d reports stage %d", stage, c.Stage)
		}
		if c.ContractID == "" || c.SchemaVersion == "" || c.Compatibility == "" {
			t.Errorf("stage %d contract incomplete: %+v", stage, c)
		}
		if len(c.RequiredFields) == 0 {
			t.Errorf("stage %d contract has no required fields", stage)
		}
	}
}
