package stages

import (
	"context"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/eventlog"
	"entpipe/internal/warehouse"
)

// Promotion is stage 16: copy PASSED candidates (plus WARNING when enabled)
// into entity_unified, the canonical read target. Promotion is idempotent:
// an entity_id already present is skipped, never an error.
type Promotion struct {
	p *Pipeline
}

func (s *Promotion) Number() int  { return 16 }
func (s *Promotion) Name() string { return "promotion" }

func (s *Promotion) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage15, 15, opts.RunID); err != nil {
		return nil, err
	}
	candidates, err := s.p.wh.SelectUnified(warehouse.TableStage15, opts.RunID, "")
	if err != nil {
		return nil, err
	}
	existing, err := s.p.wh.ExistingUnifiedIDs()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &Stats{RowsIn: len(candidates)}
	var eligible, promoted, skippedDup, skippedFailed int
	var toInsert []entity.UnifiedRow

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u := candidates[i]
		switch u.ValidationStatus {
		case entity.StatusPassed:
		case entity.StatusWarning:
			if !opts.IncludeWarnings {
				skippedFailed++
				continue
			}
		default:
			skippedFailed++
			continue
		}
		eligible++

		if existing[u.EntityID] {
			skippedDup++
			continue
		}
		u.PromotedAt = &now
		toInsert = append(toInsert, u)
		existing[u.EntityID] = true
		promoted++
	}

	stats.RowsOut = promoted
	stats.Skipped = skippedDup + skippedFailed
	stats.extra("eligible_entities", eligible)
	stats.extra("promoted_entities", promoted)
	stats.extra("skipped_duplicates", skippedDup)
	stats.extra("skipped_failed", skippedFailed)

	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(toInsert); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(toInsert))
		if err := s.p.wh.InsertUnified(warehouse.TableUnified, toInsert[start:end]); err != nil {
			return nil, err
		}
	}
	for i := range toInsert {
		u := &toInsert[i]
		s.p.recordLineage(u.EntityID, eventlog.TypeUpdated, 16, opts.RunID, "promote",
			map[string]any{"validation_status": u.ValidationStatus, "validation_score": u.ValidationScore},
			map[string]any{"entity_id": u.EntityID, "promoted": true})
	}
	return stats, nil
}
