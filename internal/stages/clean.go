package stages

import (
	"context"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/textutil"
	"entpipe/internal/warehouse"
)

// Cleaning is stage 2: normalize whitespace and control characters,
// recompute counters, normalize timestamps to UTC, and mark duplicates by
// fingerprint. Meaningful content is never modified.
type Cleaning struct {
	p *Pipeline
}

func (s *Cleaning) Number() int  { return 2 }
func (s *Cleaning) Name() string { return "cleaning" }

func (s *Cleaning) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage1, 1, opts.RunID); err != nil {
		return nil, err
	}
	rows, err := s.p.wh.SelectMessages(warehouse.TableStage1, opts.RunID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(rows))
	stats := &Stats{RowsIn: len(rows)}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := &rows[i]
		m.Content = textutil.CleanText(m.Content)
		m.ContentLength = len(m.Content)
		m.WordCount = textutil.WordCount(m.Content)
		if m.Timestamp != nil {
			utc := m.Timestamp.UTC()
			m.TimestampUTC = &utc
			m.ContentDate = textutil.ISODate(utc)
		}
		if seen[m.Fingerprint] {
			m.IsDuplicate = true
			stats.extra("duplicates", 1)
		}
		seen[m.Fingerprint] = true
		m.CleanedAt = &now
	}

	stats.RowsOut = len(rows)
	if opts.DryRun {
		return stats, nil
	}
	return stats, s.insertBatched(warehouse.TableStage2, rows, opts.BatchSize)
}

func (s *Cleaning) insertBatched(table string, rows []entity.MessageRow, batchSize int) error {
	return insertMessagesBatched(s.p.wh, table, rows, batchSize)
}

func insertMessagesBatched(wh *warehouse.DB, table string, rows []entity.MessageRow, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(rows)
	}
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		if err := wh.InsertMessages(table, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}
