package stages

import (
	"context"

	"entpipe/internal/textutil"
	"entpipe/internal/warehouse"
)

// TextCorrection is stage 4: Unicode NFC normalization, mojibake repair,
// and stray escape-sequence decoding. Word-count semantics are preserved for
// downstream segmentation.
type TextCorrection struct {
	p *Pipeline
}

func (s *TextCorrection) Number() int  { return 4 }
func (s *TextCorrection) Name() string { return "text_correction" }

func (s *TextCorrection) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage3, 3, opts.RunID); err != nil {
		return nil, err
	}
	rows, err := s.p.wh.SelectMessages(warehouse.TableStage3, opts.RunID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{RowsIn: len(rows)}
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := &rows[i]
		corrected := textutil.CorrectText(m.Content)
		if corrected != m.Content {
			stats.extra("corrected", 1)
			m.Content = corrected
			m.ContentLength = len(corrected)
			m.WordCount = textutil.WordCount(corrected)
		}
	}

	stats.RowsOut = len(rows)
	if opts.DryRun {
		return stats, nil
	}
	return stats, insertMessagesBatched(s.p.wh, warehouse.TableStage4, rows, opts.BatchSize)
}
