package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/textutil"
	"entpipe/internal/warehouse"
)

// Embeddings is stage 9: attach a vector to each L5 message via the
// embedding backend. Texts are truncated to the configured ceiling before
// submission; a row whose embedding fails after retries is recorded as a
// signal and skipped, never failing the batch.
type Embeddings struct {
	p *Pipeline
}

func (s *Embeddings) Number() int  { return 9 }
func (s *Embeddings) Name() string { return "embeddings" }

func (s *Embeddings) Run(ctx context.Context, opts Options) (*Stats, error) {
	if s.p.llm == nil {
		return nil, fmt.Errorf("embedding backend not configured")
	}
	if _, err := s.p.requireUpstream(warehouse.TableStage7, 7, opts.RunID); err != nil {
		return nil, err
	}
	messages, err := s.p.wh.SelectStage7(opts.RunID)
	if err != nil {
		return nil, err
	}

	maxChars := s.p.cfg.Enrich.EmbedMaxChars
	flushSize := s.p.cfg.Enrich.EmbedBatchSize
	if flushSize <= 0 {
		flushSize = 32
	}

	now := time.Now().UTC()
	stats := &Stats{RowsIn: len(messages)}
	var batch []entity.EmbeddingRow

	flush := func() error {
		if opts.DryRun || len(batch) == 0 {
			return nil
		}
		if err := s.p.wh.InsertEmbeddings(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for _, m := range messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Content) == "" {
			stats.Skipped++
			continue
		}
		text, truncated := textutil.TruncateText(m.Content, maxChars)

		vector, err := s.p.llm.Embed(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.p.signal(9, m.EntityID, SignalEmbedFailed, err.Error(), opts.RunID)
			stats.Signals++
			continue
		}

		batch = append(batch, entity.EmbeddingRow{
			EntityID:     m.EntityID,
			SessionID:    m.SessionID,
			Embedding:    vector,
			Model:        s.p.llm.EmbedModel(),
			WasTruncated: truncated,
			CreatedAt:    now,
			RunID:        opts.RunID,
		})
		stats.RowsOut++

		if len(batch) >= flushSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	return stats, flush()
}
