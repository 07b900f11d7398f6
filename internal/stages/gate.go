package stages

import (
	"context"
	"fmt"

	"entpipe/internal/eventlog"
	"entpipe/internal/identity"
	"entpipe/internal/warehouse"
)

// Gate is stage 3: every message receives its canonical entity_id here.
// After this point the identity is stable for all downstream stages and for
// entity_unified. Rows are ordered by (session_id, message_index) before
// assignment; a duplicate id within the run rejects the batch.
type Gate struct {
	p *Pipeline
}

func (s *Gate) Number() int  { return 3 }
func (s *Gate) Name() string { return "gate" }

func (s *Gate) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage2, 2, opts.RunID); err != nil {
		return nil, err
	}
	rows, err := s.p.wh.SelectMessages(warehouse.TableStage2, opts.RunID)
	if err != nil {
		return nil, err
	}

	registry := identity.NewRegistry()
	stats := &Stats{RowsIn: len(rows)}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := &rows[i]
		parentID := identity.ConversationID(m.SessionID)
		guid := m.ExtractionID
		m.EntityID = identity.MessageIDFromGUID(parentID, guid, m.Fingerprint)
		if err := registry.Register(m.EntityID); err != nil {
			return nil, fmt.Errorf("identity registration failed at %s index %d: %w", m.SessionID, m.MessageIndex, err)
		}
	}

	stats.RowsOut = len(rows)
	if opts.DryRun {
		return stats, nil
	}
	if err := insertMessagesBatched(s.p.wh, warehouse.TableStage3, rows, opts.BatchSize); err != nil {
		return nil, err
	}
	for i := range rows {
		m := &rows[i]
		s.p.recordLineage(m.EntityID, eventlog.TypeCreated, 3, opts.RunID, "assign_identity",
			map[string]any{"fingerprint": m.Fingerprint, "session_id": m.SessionID, "message_index": m.MessageIndex},
			map[string]any{"entity_id": m.EntityID})
	}
	return stats, nil
}
