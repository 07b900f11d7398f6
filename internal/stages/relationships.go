package stages

import (
	"context"
	"sort"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/identity"
	"entpipe/internal/warehouse"
)

// Relationships is stage 13: emit typed edges. Two families: parent_child
// edges for every cross-level (child, parent) pair, and sequential edges
// between adjacent messages in the same session (REPLIES_TO for user to
// assistant, CONTINUES for assistant to user).
type Relationships struct {
	p *Pipeline
}

func (s *Relationships) Number() int  { return 13 }
func (s *Relationships) Name() string { return "relationships" }

func (s *Relationships) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage7, 7, opts.RunID); err != nil {
		return nil, err
	}
	messages, err := s.p.wh.SelectStage7(opts.RunID)
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

	now := time.Now().UTC()
	stats := &Stats{RowsIn: len(messages) + len(sentences) + len(spans)}
	var rows []entity.RelationshipRow

	addEdge := func(sourceID, targetID, relType, sessionID string) {
		rows = append(rows, entity.RelationshipRow{
			RelationshipID:   identity.RelationshipID(sourceID, targetID, relType),
			SourceID:         sourceID,
			TargetID:         targetID,
			RelationshipType: relType,
			Strength:         1.0,
			Confidence:       1.0,
			SessionID:        sessionID,
			CreatedAt:        now,
			RunID:            opts.RunID,
		})
	}

	// parent_child edges point child -> parent.
	for _, m := range messages {
		addEdge(m.EntityID, m.ParentID, entity.RelParentChild, m.SessionID)
	}
	for _, st := range sentences {
		addEdge(st.EntityID, st.ParentID, entity.RelParentChild, st.SessionID)
	}
	for _, sp := range spans {
		addEdge(sp.EntityID, sp.ParentID, entity.RelParentChild, sp.SessionID)
	}

	// Sequential edges within each session, ordered by timestamp then index.
	bySession := make(map[string][]entity.MessageRow)
	for _, m := range messages {
		bySession[m.SessionID] = append(bySession[m.SessionID], m)
	}
	sessions := make([]string, 0, len(bySession))
	for id := range bySession {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)

	for _, sessionID := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ordered := bySession[sessionID]
		sort.SliceStable(ordered, func(i, j int) bool {
			ti, tj := ordered[i].TimestampUTC, ordered[j].TimestampUTC
			if ti != nil && tj != nil && !ti.Equal(*tj) {
				return ti.Before(*tj)
			}
			return ordered[i].MessageIndex < ordered[j].MessageIndex
		})
		for i := 0; i+1 < len(ordered); i++ {
			a, b := ordered[i], ordered[i+1]
			switch {
			case a.Role == entity.RoleUser && b.Role == entity.RoleAssistant:
				addEdge(a.EntityID, b.EntityID, entity.RelRepliesTo, sessionID)
			case a.Role == entity.RoleAssistant && b.Role == entity.RoleUser:
				addEdge(a.EntityID, b.EntityID, entity.RelContinues, sessionID)
			}
		}
	}

	stats.RowsOut = len(rows)
	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(rows))
		if err := s.p.wh.InsertRelationships(rows[start:end]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}
