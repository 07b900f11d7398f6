// Package contracts defines and checks the data contracts each stage's
// output must satisfy before the next stage consumes it. A contract names
// required fields, quality rules, and semantic rules; the registry persists
// contracts to the warehouse so schema evolution is visible across runs.
package contracts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"entpipe/internal/entity"
)

// Compatibility modes for contract evolution.
const (
	CompatBackward           = "BACKWARD"
	CompatBackwardCompatible = "BACKWARD_COMPATIBLE"
	CompatNone               = "NONE"
)

// QualityRule is a named per-row predicate. A failing quality rule is an
// error for the row.
type QualityRule struct {
	Name  string                     `json:"name"`
	Check func(row map[string]any) bool `json:"-"`
}

// SemanticRule is a named per-batch predicate over all rows. A failing
// semantic rule fails the whole stage output.
type SemanticRule struct {
	Name  string                          `json:"name"`
	Check func(rows []map[string]any) bool `json:"-"`
}

// Contract is the output contract of one stage.
type Contract struct {
	ContractID     string         `json:"contract_id"`
	Stage          int            `json:"stage"`
	SchemaVersion  string         `json:"schema_version"`
	RequiredFields []string       `json:"required_fields"`
	QualityRules   []QualityRule  `json:"quality_rules,omitempty"`
	SemanticRules  []SemanticRule `json:"semantic_rules,omitempty"`
	Compatibility  string         `json:"compatibility"`
}

// Violation describes one contract failure.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Result is the outcome of checking a batch against a contract.
type Result struct {
	Stage      int         `json:"stage"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations,omitempty"`
}

// OK reports whether the batch satisfied the contract.
func (r *Result) OK() bool {
	return len(r.Violations) == 0
}

// Check evaluates rows against the contract. Required fields and quality
// rules run per row; semantic rules run once over the batch.
func (c *Contract) Check(rows []map[string]any) *Result {
	res := &Result{Stage: c.Stage, Checked: len(rows)}

	for i, row := range rows {
		for _, field := range c.RequiredFields {
			v, ok := row[field]
			if !ok || v == nil || v == "" {
				res.Violations = append(res.Violations, Violation{
					Rule:    "required_field",
					Message: fmt.Sprintf("row %d: missing %s", i, field),
				})
			}
		}
		for _, rule := range c.QualityRules {
			if rule.Check != nil && !rule.Check(row) {
				res.Violations = append(res.Violations, Violation{
					Rule:    rule.Name,
					Message: fmt.Sprintf("row %d: quality rule %s failed", i, rule.Name),
				})
			}
		}
	}

	for _, rule := range c.SemanticRules {
		if rule.Check != nil && !rule.Check(rows) {
			res.Violations = append(res.Violations, Violation{
				Rule:    rule.Name,
				Message: fmt.Sprintf("semantic rule %s failed over %d rows", rule.Name, len(rows)),
			})
		}
	}
	return res
}

// ForStage returns the built-in contract for a stage, or nil when the stage
// has no output contract (stage 0 writes only a manifest).
func ForStage(stage int) *Contract {
	switch stage {
	case 1:
		return &Contract{
			ContractID:     "stage_1_extracted.v1",
			Stage:          1,
			SchemaVersion:  "1",
			RequiredFields: []string{"extraction_id", "session_id", "message_type", "source_file", "fingerprint", "run_id"},
			QualityRules: []QualityRule{
				{Name: "non_negative_index", Check: func(row map[string]any) bool {
					return intField(row, "message_index") >= 0
				}},
			},
			Compatibility: CompatBackward,
		}
	case 2:
		return &Contract{
			ContractID:     "stage_2_cleaned.v1",
			Stage:          2,
			SchemaVersion:  "1",
			RequiredFields: []string{"extraction_id", "session_id", "fingerprint", "run_id"},
			QualityRules: []QualityRule{
				{Name: "length_matches_content", Check: func(row map[string]any) bool {
					content, _ := row["content"].(string)
					return intField(row, "content_length") == len(content)
				}},
			},
			Compatibility: CompatBackward,
		}
	case 3:
		return &Contract{
			ContractID:     "stage_3_identified.v1",
			Stage:          3,
			SchemaVersion:  "1",
			RequiredFields: []string{"extraction_id", "entity_id", "session_id", "run_id"},
			QualityRules: []QualityRule{
				{Name: "canonical_entity_id", Check: func(row map[string]any) bool {
					id, _ := row["entity_id"].(string)
					return len(id) == 32
				}},
			},
			SemanticRules: []SemanticRule{
				{Name: "unique_entity_ids", Check: func(rows []map[string]any) bool {
					seen := make(map[string]bool, len(rows))
					for _, row := range rows {
						id, _ := row["entity_id"].(string)
						if seen[id] {
							return false
						}
						seen[id] = true
					}
					return true
				}},
			},
			Compatibility: CompatBackward,
		}
	case 5:
		return &Contract{
			ContractID:     "stage_5_conversations.v1",
			Stage:          5,
			SchemaVersion:  "1",
			RequiredFields: []string{"entity_id", "session_id", "run_id"},
			QualityRules: []QualityRule{
				{Name: "conversation_level", Check: func(row map[string]any) bool {
					return intField(row, "level") == entity.LevelConversation
				}},
				{Name: "positive_message_count", Check: func(row map[string]any) bool {
					return intField(row, "message_count") > 0
				}},
			},
			Compatibility: CompatBackward,
		}
	case 6:
		// This adapter emits sentences at L4; the contract records that
		// choice so consumers can rely on it.
		return &Contract{
			ContractID:     "stage_6_sentences.v1",
			Stage:          6,
			SchemaVersion:  "1",
			RequiredFields: []string{"entity_id", "parent_id", "session_id", "text", "run_id"},
			QualityRules: []QualityRule{
				{Name: "sentence_level", Check: func(row map[string]any) bool {
					return intField(row, "level") == entity.LevelSentence
				}},
				{Name: "valid_offsets", Check: func(row map[string]any) bool {
					return intField(row, "start_char") >= 0 && intField(row, "end_char") > intField(row, "start_char")
				}},
			},
			Compatibility: CompatBackward,
		}
	case 7:
		return &Contract{
			ContractID:     "stage_7_messages.v1",
			Stage:          7,
			SchemaVersion:  "1",
			RequiredFields: []string{"entity_id", "parent_id", "session_id", "fingerprint", "run_id"},
			QualityRules: []QualityRule{
				{Name: "message_level", Check: func(row map[string]any) bool {
					return intField(row, "level") == entity.LevelMessage
				}},
			},
			Compatibility: CompatBackward,
		}
	case 8:
		return &Contract{
			ContractID:     "stage_8_spans.v1",
			Stage:          8,
			SchemaVersion:  "1",
			RequiredFields: []string{"entity_id", "parent_id", "session_id", "text", "run_id"},
			QualityRules: []QualityRule{
				{Name: "span_level", Check: func(row map[string]any) bool {
					return intField(row, "level") == entity.LevelSpan
				}},
			},
			Compatibility: CompatBackward,
		}
	case 13:
		return &Contract{
			ContractID:     "stage_13_relationships.v1",
			Stage:          13,
			SchemaVersion:  "1",
			RequiredFields: []string{"relationship_id", "source_id", "target_id", "relationship_type", "run_id"},
			QualityRules: []QualityRule{
				{Name: "no_self_edges", Check: func(row map[string]any) bool {
					return row["source_id"] != row["target_id"]
				}},
			},
			Compatibility: CompatBackward,
		}
	case 14, 15:
		return &Contract{
			ContractID:     fmt.Sprintf("stage_%d_unified.v1", stage),
			Stage:          stage,
			SchemaVersion:  "1",
			RequiredFields: []string{"entity_id", "source_name", "source_pipeline", "run_id"},
			QualityRules: []QualityRule{
				{Name: "known_level", Check: func(row map[string]any) bool {
					return entity.ValidLevel(intField(row, "level"))
				}},
			},
			Compatibility: CompatBackwardCompatible,
		}
	case 16:
		return &Contract{
			ContractID:     "entity_unified.v1",
			Stage:          16,
			SchemaVersion:  "1",
			RequiredFields: []string{"entity_id", "source_name", "source_pipeline", "validation_status", "run_id"},
			QualityRules: []QualityRule{
				{Name: "promotable_status", Check: func(row map[string]any) bool {
					s, _ := row["validation_status"].(string)
					return s == entity.StatusPassed || s == entity.StatusWarning
				}},
			},
			Compatibility: CompatNone,
		}
	default:
		return nil
	}
}

// intField reads a numeric field regardless of whether it arrived as int,
// int64, or a JSON float64.
func intField(row map[string]any, key string) int {
	switch v := row[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return -1
	}
}

// Persist writes the contract definition into the data_contracts table so
// the active contract set is queryable alongside the data it governs.
func Persist(db *sql.DB, c *Contract) error {
	def, err := json.Marshal(struct {
		RequiredFields []string `json:"required_fields"`
		QualityRules   []string `json:"quality_rules"`
		SemanticRules  []string `json:"semantic_rules"`
	}{
		RequiredFields: c.RequiredFields,
		QualityRules:   ruleNames(c.QualityRules),
		SemanticRules:  semanticNames(c.SemanticRules),
	})
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}
	_, err = db.Exec(`
		INSERT OR REPLACE INTO data_contracts
			(contract_id, stage, schema_version, definition, compatibility, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ContractID, c.Stage, c.SchemaVersion, def, c.Compatibility, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist contract %s: %w", c.ContractID, err)
	}
	return nil
}

func ruleNames(rules []QualityRule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}

func semanticNames(rules []SemanticRule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}
