package stages

import (
	"context"
	"strings"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/identity"
	"entpipe/internal/textutil"
	"entpipe/internal/warehouse"
)

// Spans is stage 8: derive L3 clause-level spans from the L4 sentences.
// Spans parent to the containing L5 message and are indexed per message
// across its sentences. Whitespace-only spans are dropped.
type Spans struct {
	p *Pipeline
}

func (s *Spans) Number() int  { return 8 }
func (s *Spans) Name() string { return "spans" }

func (s *Spans) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage6, 6, opts.RunID); err != nil {
		return nil, err
	}
	sentences, err := s.p.wh.SelectSentences(opts.RunID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &Stats{RowsIn: len(sentences)}
	var rows []entity.SpanRow
	spanIndex := make(map[string]int) // per parent message

	for _, sent := range sentences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, clause := range splitClauses(sent.Text) {
			idx := spanIndex[sent.ParentID]
			spanIndex[sent.ParentID] = idx + 1
			rows = append(rows, entity.SpanRow{
				EntityID:  identity.SpanID(sent.ParentID, idx),
				ParentID:  sent.ParentID,
				SessionID: sent.SessionID,
				Level:     entity.LevelSpan,
				SpanIndex: idx,
				Text:      clause,
				WordCount: textutil.WordCount(clause),
				CreatedAt: now,
				RunID:     opts.RunID,
			})
		}
	}

	stats.RowsOut = len(rows)
	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(rows))
		if err := s.p.wh.InsertSpans(rows[start:end]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// splitClauses breaks a sentence at clause boundaries. A sentence without
// boundaries yields itself as a single span.
func splitClauses(text string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == ':'
	}) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
