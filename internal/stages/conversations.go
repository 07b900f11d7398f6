package stages

import (
	"context"
	"sort"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/eventlog"
	"entpipe/internal/identity"
	"entpipe/internal/warehouse"
)

// Conversations is stage 5: group messages by session into L8 conversation
// aggregates. One row per session, level 8, no parent.
type Conversations struct {
	p *Pipeline
}

func (s *Conversations) Number() int  { return 5 }
func (s *Conversations) Name() string { return "conversations" }

func (s *Conversations) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage4, 4, opts.RunID); err != nil {
		return nil, err
	}
	messages, err := s.p.wh.SelectMessages(warehouse.TableStage4, opts.RunID)
	if err != nil {
		return nil, err
	}

	bySession := make(map[string][]entity.MessageRow)
	for _, m := range messages {
		bySession[m.SessionID] = append(bySession[m.SessionID], m)
	}

	sessions := make([]string, 0, len(bySession))
	for id := range bySession {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)

	now := time.Now().UTC()
	var rows []entity.ConversationRow
	for _, sessionID := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows = append(rows, aggregateSession(sessionID, bySession[sessionID], opts.RunID, now))
	}

	stats := &Stats{RowsIn: len(messages), RowsOut: len(rows)}
	if opts.DryRun {
		return stats, nil
	}
	if err := s.p.wh.InsertConversations(rows); err != nil {
		return nil, err
	}
	for _, c := range rows {
		s.p.recordLineage(c.EntityID, eventlog.TypeCreated, 5, opts.RunID, "aggregate_conversation",
			map[string]any{"session_id": c.SessionID, "message_count": c.MessageCount},
			map[string]any{"entity_id": c.EntityID})
	}
	return stats, nil
}

func aggregateSession(sessionID string, messages []entity.MessageRow, runID string, now time.Time) entity.ConversationRow {
	c := entity.ConversationRow{
		EntityID:  identity.ConversationID(sessionID),
		SessionID: sessionID,
		Level:     entity.LevelConversation,
		CreatedAt: now,
		RunID:     runID,
	}

	models := make(map[string]bool)
	tools := make(map[string]bool)
	for _, m := range messages {
		c.MessageCount++
		switch m.Role {
		case entity.RoleUser:
			c.UserMessageCount++
		case entity.RoleAssistant:
			c.AssistantMessageCount++
		}
		if m.ToolName != "" {
			c.ToolUseCount++
			tools[m.ToolName] = true
		}
		if m.Model != "" {
			models[m.Model] = true
		}
		c.TotalWordCount += m.WordCount
		c.TotalCharCount += m.ContentLength
		c.TotalCostUSD += m.CostUSD

		if m.TimestampUTC != nil {
			ts := m.TimestampUTC.UTC()
			if c.FirstMessageAt == nil || ts.Before(*c.FirstMessageAt) {
				first := ts
				c.FirstMessageAt = &first
			}
			if c.LastMessageAt == nil || ts.After(*c.LastMessageAt) {
				last := ts
				c.LastMessageAt = &last
			}
		}
		if c.ContentDate == "" && m.ContentDate != "" {
			c.ContentDate = m.ContentDate
		}
	}

	c.ModelsUsed = sortedKeys(models)
	c.ToolsUsed = sortedKeys(tools)
	return c
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
