package stages

import (
	"context"
	"fmt"

	"entpipe/internal/entity"
	"entpipe/internal/identity"
	"entpipe/internal/warehouse"
)

// Validation is stage 15: score every candidate row and stamp its
// validation status. Failing rows are recorded with status FAILED rather
// than dropped, so defects stay observable. In strict mode warnings are
// promoted to errors.
type Validation struct {
	p *Pipeline
}

func (s *Validation) Number() int  { return 15 }
func (s *Validation) Name() string { return "validation" }

func (s *Validation) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage14, 14, opts.RunID); err != nil {
		return nil, err
	}
	rows, err := s.p.wh.SelectUnified(warehouse.TableStage14, opts.RunID, "")
	if err != nil {
		return nil, err
	}

	stats := &Stats{RowsIn: len(rows)}
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u := &rows[i]
		status, score, errs, warns := ValidateRow(u, opts.Strict)
		u.ValidationStatus = status
		u.ValidationScore = score
		u.ValidationErrors = errs
		u.ValidationWarnings = warns
		stats.extra(status, 1)
	}

	stats.RowsOut = len(rows)
	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(rows))
		if err := s.p.wh.InsertUnified(warehouse.TableStage15, rows[start:end]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// ValidateRow computes (status, score, errors, warnings) for one candidate.
// The checks and scoring are deterministic: re-validation of the same row
// always yields the same result.
func ValidateRow(u *entity.UnifiedRow, strict bool) (status string, score float64, errs, warns []string) {
	if !identity.ValidEntityID(u.EntityID) {
		errs = append(errs, fmt.Sprintf("entity_id %q is not a 32-char lowercase hex id", u.EntityID))
	}
	if !entity.ValidLevel(u.Level) {
		errs = append(errs, fmt.Sprintf("level %d outside the emitted hierarchy", u.Level))
	}
	if u.SourceName == "" {
		errs = append(errs, "source_name is empty")
	}
	if u.SessionID == "" {
		errs = append(errs, "session_id is empty")
	}
	if u.Level <= entity.LevelTurn && u.Text == "" {
		if u.Level == entity.LevelToken {
			warns = append(warns, "empty text on token-level entity")
		} else {
			errs = append(errs, fmt.Sprintf("empty text on level %d entity", u.Level))
		}
	}
	if u.WordCount != nil && *u.WordCount < 0 {
		errs = append(errs, fmt.Sprintf("negative word_count %d", *u.WordCount))
	}

	if strict {
		errs = append(errs, warns...)
		warns = nil
	}

	score = 1.0 - 0.5*float64(len(errs)) - 0.1*float64(len(warns))
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	switch {
	case len(errs) > 0:
		status = entity.StatusFailed
	case score < 0.9:
		status = entity.StatusWarning
	default:
		status = entity.StatusPassed
	}
	return status, score, errs, warns
}
