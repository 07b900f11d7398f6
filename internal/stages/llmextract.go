package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/textutil"
	"entpipe/internal/warehouse"
)

// extractionPrompt asks the model for exactly the structured fields the
// stage 10 table stores.
const extractionPrompt = `Analyze this message from a coding assistant session and answer in JSON with exactly these keys:
{"intent": "<one of: question, instruction, report, other>",
 "task_type": "<one of: coding, debugging, explanation, configuration, other>",
 "code_languages": ["<language names present in code, empty if none>"],
 "complexity": "<one of: trivial, moderate, complex>",
 "has_code_block": <true|false>}

Message:
%s

JSON:`

// llmExtraction mirrors the JSON shape the model is asked to produce.
type llmExtraction struct {
	Intent        string   `json:"intent"`
	TaskType      string   `json:"task_type"`
	CodeLanguages []string `json:"code_languages"`
	Complexity    string   `json:"complexity"`
	HasCodeBlock  bool     `json:"has_code_block"`
}

// Extractions is stage 10: structured LLM extraction over each L5 text.
// Unparseable responses record a signal and leave the fields null.
type Extractions struct {
	p *Pipeline
}

func (s *Extractions) Number() int  { return 10 }
func (s *Extractions) Name() string { return "llm_extractions" }

func (s *Extractions) Run(ctx context.Context, opts Options) (*Stats, error) {
	if s.p.llm == nil {
		return nil, fmt.Errorf("llm backend not configured")
	}
	if _, err := s.p.requireUpstream(warehouse.TableStage7, 7, opts.RunID); err != nil {
		return nil, err
	}
	messages, err := s.p.wh.SelectStage7(opts.RunID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &Stats{RowsIn: len(messages)}
	var rows []entity.ExtractionRow

	for _, m := range messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Content) == "" {
			stats.Skipped++
			continue
		}

		row := entity.ExtractionRow{
			EntityID:  m.EntityID,
			SessionID: m.SessionID,
			Model:     s.p.llm.GenerateModel(),
			CreatedAt: now,
			RunID:     opts.RunID,
		}

		text, _ := textutil.TruncateText(m.Content, 4000)
		resp, err := s.p.llm.GenerateJSON(ctx, fmt.Sprintf(extractionPrompt, text))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.p.signal(10, m.EntityID, SignalExtractFailed, err.Error(), opts.RunID)
			stats.Signals++
		} else if parsed, perr := parseExtraction(resp); perr != nil {
			s.p.signal(10, m.EntityID, SignalExtractFailed, perr.Error(), opts.RunID)
			stats.Signals++
		} else {
			row.Intent = parsed.Intent
			row.TaskType = parsed.TaskType
			row.CodeLanguages = parsed.CodeLanguages
			row.Complexity = parsed.Complexity
			row.HasCodeBlock = parsed.HasCodeBlock
		}

		// Rows with failed extractions are still written so the entity is
		// visible downstream with null fields.
		rows = append(rows, row)
		stats.RowsOut++
	}

	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(rows))
		if err := s.p.wh.InsertExtractions(rows[start:end]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// parseExtraction decodes and schema-validates the model response. Models
// sometimes wrap JSON in code fences; strip them before decoding.
func parseExtraction(resp string) (*llmExtraction, error) {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	resp = strings.TrimSpace(resp)

	var parsed llmExtraction
	if err := json.Unmarshal([]byte(resp), &parsed); err != nil {
		return nil, fmt.Errorf("unparseable extraction: %w", err)
	}
	if parsed.Intent == "" && parsed.TaskType == "" {
		return nil, fmt.Errorf("extraction missing required fields")
	}
	return &parsed, nil
}
