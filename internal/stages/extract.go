package stages

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/identity"
	"entpipe/internal/logging"
	"entpipe/internal/textutil"
	"entpipe/internal/warehouse"
)

// rawEnvelope is the message envelope accepted from session JSONL lines.
// Content may be a plain string or a list of content blocks.
type rawEnvelope struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
	Model     string          `json:"model"`
	CostUSD   float64         `json:"cost_usd"`
	GUID      string          `json:"guid"`
	Summary   string          `json:"summary"`
}

// contentBlock is one element of a list-valued content field.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

// Extraction is stage 1: stream each session file, emit one row per
// conforming message line, and route everything else to the DLQ. Files are
// processed by a worker pool; an unreadable file fails only itself.
type Extraction struct {
	p *Pipeline
}

func (s *Extraction) Number() int  { return 1 }
func (s *Extraction) Name() string { return "extraction" }

type fileResult struct {
	path      string
	messages  []entity.MessageRow
	dlq       []entity.DLQRow
	summaries int
	err       error
}

func (s *Extraction) Run(ctx context.Context, opts Options) (*Stats, error) {
	manifest, err := s.p.ReadManifest(opts.RunID)
	if err != nil {
		return nil, err
	}
	if !manifest.OK() {
		return nil, fmt.Errorf("discovery verdict is %s; nothing to extract", manifest.GoNoGo)
	}

	workers := s.p.cfg.Pipeline.ExtractWorkers
	if workers <= 0 {
		workers = 1
	}

	paths := make(chan string, len(manifest.Files))
	results := make(chan fileResult, len(manifest.Files))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range paths {
				if ctx.Err() != nil {
					return
				}
				msgs, dlq, summaries, err := extractFile(path, opts.RunID)
				results <- fileResult{path: path, messages: msgs, dlq: dlq, summaries: summaries, err: err}
			}
		}()
	}

	for _, mf := range manifest.Files {
		paths <- mf.Path
	}
	close(paths)

	go func() {
		wg.Wait()
		close(results)
	}()

	stats := &Stats{}
	var allMessages []entity.MessageRow
	var allDLQ []entity.DLQRow
	summaries := 0
	for res := range results {
		if res.err != nil {
			logging.Error("extraction", "file %s failed: %v", res.path, res.err)
			s.p.signal(1, "", SignalParseFailed, fmt.Sprintf("%s: %v", res.path, res.err), opts.RunID)
			stats.Signals++
			continue
		}
		allMessages = append(allMessages, res.messages...)
		allDLQ = append(allDLQ, res.dlq...)
		summaries += res.summaries
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats.RowsIn = len(allMessages) + len(allDLQ) + summaries
	stats.RowsOut = len(allMessages)
	stats.Skipped = summaries
	stats.extra("dlq", len(allDLQ))
	if summaries > 0 {
		stats.extra("summary_lines", summaries)
	}

	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(allMessages); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(allMessages))
		if err := s.p.wh.InsertMessages(warehouse.TableStage1, allMessages[start:end]); err != nil {
			return nil, err
		}
	}
	if err := s.p.wh.InsertDLQ(allDLQ); err != nil {
		return nil, err
	}
	return stats, nil
}

// extractFile parses one session file. Malformed lines go to the DLQ; only
// an unreadable file returns an error.
func extractFile(path, runID string) ([]entity.MessageRow, []entity.DLQRow, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	sessionID := identity.SessionID(path)
	now := time.Now().UTC()

	var messages []entity.MessageRow
	var dlq []entity.DLQRow
	lineNo := 0
	messageIndex := 0
	summaries := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		env, reason := parseEnvelope(line)
		if reason != "" {
			dlq = append(dlq, entity.DLQRow{
				DLQID:      identity.DLQID(sessionID, lineNo),
				SourceFile: path,
				LineOffset: lineNo,
				RawLine:    logging.Truncate(line, 2000),
				Reason:     reason,
				RunID:      runID,
				CreatedAt:  now,
			})
			continue
		}
		if env.Type == "summary" {
			// Session metadata, not a message. Valid input, so it never
			// belongs in the DLQ.
			summaries++
			logging.Debug("extraction", "session %s summary: %s", sessionID, logging.Truncate(env.Summary, 120))
			continue
		}

		row := envelopeToRow(env, path, sessionID, messageIndex, runID, now)
		messages = append(messages, row)
		messageIndex++
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, 0, fmt.Errorf("read: %w", err)
	}
	return messages, dlq, summaries, nil
}

// parseEnvelope validates one line against the message envelope. An empty
// reason means the envelope is usable; summary envelopes are usable but
// carry no message fields.
func parseEnvelope(line string) (*rawEnvelope, string) {
	var env rawEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return nil, "invalid JSON: " + err.Error()
	}
	if env.Type == "summary" {
		return &env, ""
	}
	if env.Type != "message" {
		return nil, fmt.Sprintf("unexpected type %q", env.Type)
	}
	switch env.Role {
	case entity.RoleUser, entity.RoleAssistant, entity.RoleTool, entity.RoleSystem:
	default:
		return nil, fmt.Sprintf("unexpected role %q", env.Role)
	}
	if len(env.Content) == 0 {
		return nil, "missing content"
	}
	return &env, ""
}

// envelopeToRow flattens an envelope into a stage 1 row.
func envelopeToRow(env *rawEnvelope, path, sessionID string, index int, runID string, extractedAt time.Time) entity.MessageRow {
	content, toolName, toolInput, toolOutput := flattenContent(env.Content)

	row := entity.MessageRow{
		SessionID:     sessionID,
		MessageIndex:  index,
		MessageType:   env.Type,
		Role:          env.Role,
		Content:       content,
		ContentLength: len(content),
		WordCount:     textutil.WordCount(content),
		Model:         env.Model,
		CostUSD:       env.CostUSD,
		ToolName:      toolName,
		ToolInput:     toolInput,
		ToolOutput:    toolOutput,
		SourceFile:    path,
		ExtractedAt:   extractedAt,
		RunID:         runID,
	}

	if ts, err := textutil.ParseTimestamp(env.Timestamp); err == nil {
		local := ts
		row.Timestamp = &local
		utc := ts.UTC()
		row.TimestampUTC = &utc
		row.ContentDate = textutil.ISODate(utc)
	}

	row.Fingerprint = identity.Fingerprint(sessionID, index, content)
	row.ExtractionID = identity.ExtractionID(sessionID, index, row.Fingerprint)
	return row
}

// flattenContent joins the textual parts of a content field and lifts tool
// blocks into dedicated columns.
func flattenContent(raw json.RawMessage) (content, toolName, toolInput, toolOutput string) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, "", "", ""
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		// Not a string, not a block list: keep the raw JSON as text.
		return string(raw), "", "", ""
	}

	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			toolName = b.Name
			toolInput = string(b.Input)
		case "tool_result":
			toolOutput = rawToText(b.Content)
		}
	}
	return strings.Join(parts, "\n"), toolName, toolInput, toolOutput
}

func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return string(raw)
}
