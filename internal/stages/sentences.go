package stages

import (
	"context"
	"strings"
	"time"

	"github.com/tsawler/prose/v3"

	"entpipe/internal/entity"
	"entpipe/internal/identity"
	"entpipe/internal/textutil"
	"entpipe/internal/warehouse"
)

// Sentences is stage 6: segment each message into L4 sentences. Parent is
// the L5 message entity; sentence ids are deterministic per (parent, index).
// Empty messages yield no rows.
type Sentences struct {
	p *Pipeline
}

func (s *Sentences) Number() int  { return 6 }
func (s *Sentences) Name() string { return "sentences" }

func (s *Sentences) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage4, 4, opts.RunID); err != nil {
		return nil, err
	}
	messages, err := s.p.wh.SelectMessages(warehouse.TableStage4, opts.RunID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &Stats{RowsIn: len(messages)}
	var rows []entity.SentenceRow

	for _, m := range messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Content) == "" {
			stats.Skipped++
			continue
		}
		sentences, err := segmentSentences(m.Content)
		if err != nil {
			s.p.signal(6, m.EntityID, SignalParseFailed, err.Error(), opts.RunID)
			stats.Signals++
			continue
		}
		for idx, st := range sentences {
			rows = append(rows, entity.SentenceRow{
				EntityID:      identity.SentenceID(m.EntityID, idx),
				ParentID:      m.EntityID,
				SessionID:     m.SessionID,
				Level:         entity.LevelSentence,
				SentenceIndex: idx,
				Text:          st.text,
				StartChar:     st.start,
				EndChar:       st.end,
				WordCount:     textutil.WordCount(st.text),
				CreatedAt:     now,
				RunID:         opts.RunID,
			})
		}
	}

	stats.RowsOut = len(rows)
	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(rows))
		if err := s.p.wh.InsertSentences(rows[start:end]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

type segment struct {
	text  string
	start int
	end   int
}

// segmentSentences splits text into sentences with character offsets into
// the original text. The segmenter does not report offsets, so they are
// recovered by scanning forward from a cursor; sentences the scan cannot
// locate fall back to the cursor position.
func segmentSentences(text string) ([]segment, error) {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, err
	}

	var out []segment
	cursor := 0
	for _, sent := range doc.Sentences() {
		t := strings.TrimSpace(sent.Text)
		if t == "" {
			continue
		}
		start := strings.Index(text[cursor:], t)
		if start < 0 {
			start = 0
		}
		start += cursor
		end := start + len(t)
		cursor = end
		out = append(out, segment{text: t, start: start, end: end})
	}
	return out, nil
}
