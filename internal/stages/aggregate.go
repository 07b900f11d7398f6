package stages

import (
	"context"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/warehouse"
)

// Aggregation is stage 14: join every derived entity with its enrichments
// into the denormalized candidate shape, and populate rollup counters on the
// L8 rows. No new entities are created here.
type Aggregation struct {
	p *Pipeline
}

func (s *Aggregation) Number() int  { return 14 }
func (s *Aggregation) Name() string { return "aggregation" }

func (s *Aggregation) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage7, 7, opts.RunID); err != nil {
		return nil, err
	}

	messages, err := s.p.wh.SelectStage7(opts.RunID)
	if err != nil {
		return nil, err
	}
	conversations, err := s.p.wh.SelectConversations(opts.RunID)
	if err != nil {
		return nil, err
	}
	sentences, err := s.p.wh.SelectSentences(opts.RunID)
	if err != nil {
		return nil, err
	}
	spans, err := s.p.wh.SelectSpans(opts.RunID)
	if err != nil {
		return nil, err
	}

	// Enrichments are optional; an empty table just means the enrichment
	// stage was skipped for this run.
	embeddings := indexEmbeddings(s.p, opts.RunID)
	sentiments := indexSentiments(s.p, opts.RunID)
	extractions := indexExtractions(s.p, opts.RunID)
	keywords := indexKeywords(s.p, opts.RunID)

	childCount := make(map[string]int)
	for _, m := range messages {
		childCount[m.ParentID]++
	}
	for _, st := range sentences {
		childCount[st.ParentID]++
	}
	for _, sp := range spans {
		childCount[sp.ParentID]++
	}

	now := time.Now().UTC()
	var rows []entity.UnifiedRow

	for _, c := range conversations {
		u := entity.UnifiedRow{
			EntityID:              c.EntityID,
			SourceName:            entity.SourceName,
			SourcePipeline:        entity.SourcePipeline,
			Level:                 c.Level,
			ChildCount:            childCount[c.EntityID],
			MessageCount:          c.MessageCount,
			UserMessageCount:      c.UserMessageCount,
			AssistantMessageCount: c.AssistantMessageCount,
			TotalWordCount:        c.TotalWordCount,
			SessionID:             c.SessionID,
			ContentDate:           c.ContentDate,
			TimestampUTC:          c.FirstMessageAt,
			CreatedAt:             now,
			RunID:                 opts.RunID,
		}
		rows = append(rows, u)
	}

	for _, m := range messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wc, cc, idx := m.WordCount, m.ContentLength, m.MessageIndex
		u := entity.UnifiedRow{
			EntityID:       m.EntityID,
			ParentID:       m.ParentID,
			SourceName:     entity.SourceName,
			SourcePipeline: entity.SourcePipeline,
			Level:          entity.LevelMessage,
			Text:           m.Content,
			Role:           m.Role,
			MessageType:    m.MessageType,
			MessageIndex:   &idx,
			WordCount:      &wc,
			CharCount:      &cc,
			Model:          m.Model,
			CostUSD:        m.CostUSD,
			ToolName:       m.ToolName,
			ChildCount:     childCount[m.EntityID],
			SessionID:      m.SessionID,
			ContentDate:    m.ContentDate,
			TimestampUTC:   m.TimestampUTC,
			CreatedAt:      now,
			RunID:          opts.RunID,
		}
		if e, ok := embeddings[m.EntityID]; ok {
			u.Embedding = e.Embedding
		}
		if sr, ok := sentiments[m.EntityID]; ok {
			u.PrimaryEmotion = sr.PrimaryEmotion
			u.PrimaryEmotionScore = sr.PrimaryEmotionScore
		}
		if x, ok := extractions[m.EntityID]; ok {
			u.Intent = x.Intent
			u.TaskType = x.TaskType
			u.Complexity = x.Complexity
		}
		if k, ok := keywords[m.EntityID]; ok {
			u.TopKeyword = k.TopKeyword
			u.Keywords = k.Keywords
		}
		rows = append(rows, u)
	}

	for _, st := range sentences {
		wc, idx := st.WordCount, st.SentenceIndex
		cc := len(st.Text)
		rows = append(rows, entity.UnifiedRow{
			EntityID:       st.EntityID,
			ParentID:       st.ParentID,
			SourceName:     entity.SourceName,
			SourcePipeline: entity.SourcePipeline,
			Level:          st.Level,
			Text:           st.Text,
			SentenceIndex:  &idx,
			WordCount:      &wc,
			CharCount:      &cc,
			ChildCount:     childCount[st.EntityID],
			SessionID:      st.SessionID,
			CreatedAt:      now,
			RunID:          opts.RunID,
		})
	}

	for _, sp := range spans {
		wc := sp.WordCount
		cc := len(sp.Text)
		rows = append(rows, entity.UnifiedRow{
			EntityID:       sp.EntityID,
			ParentID:       sp.ParentID,
			SourceName:     entity.SourceName,
			SourcePipeline: entity.SourcePipeline,
			Level:          sp.Level,
			Text:           sp.Text,
			WordCount:      &wc,
			CharCount:      &cc,
			SessionID:      sp.SessionID,
			CreatedAt:      now,
			RunID:          opts.RunID,
		})
	}

	stats := &Stats{
		RowsIn:  len(messages) + len(conversations) + len(sentences) + len(spans),
		RowsOut: len(rows),
	}
	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(rows))
		if err := s.p.wh.InsertUnified(warehouse.TableStage14, rows[start:end]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func indexEmbeddings(p *Pipeline, runID string) map[string]entity.EmbeddingRow {
	out := make(map[string]entity.EmbeddingRow)
	rows, err := p.wh.SelectEmbeddings(runID)
	if err != nil {
		return out
	}
	for _, r := range rows {
		out[r.EntityID] = r
	}
	return out
}

func indexSentiments(p *Pipeline, runID string) map[string]entity.SentimentRow {
	out := make(map[string]entity.SentimentRow)
	rows, err := p.wh.SelectSentiments(runID)
	if err != nil {
		return out
	}
	for _, r := range rows {
		out[r.EntityID] = r
	}
	return out
}

func indexExtractions(p *Pipeline, runID string) map[string]entity.ExtractionRow {
	out := make(map[string]entity.ExtractionRow)
	rows, err := p.wh.SelectExtractions(runID)
	if err != nil {
		return out
	}
	for _, r := range rows {
		out[r.EntityID] = r
	}
	return out
}

func indexKeywords(p *Pipeline, runID string) map[string]entity.KeywordRow {
	out := make(map[string]entity.KeywordRow)
	rows, err := p.wh.SelectKeywords(runID)
	if err != nil {
		return out
	}
	for _, r := range rows {
		out[r.EntityID] = r
	}
	return out
}
