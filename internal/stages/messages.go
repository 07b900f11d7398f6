package stages

import (
	"context"

	"entpipe/internal/identity"
	"entpipe/internal/warehouse"
)

// Messages is stage 7: re-emit each message as the canonical L5 entity,
// parented to its L8 conversation. Ordered by (session_id, message_index).
type Messages struct {
	p *Pipeline
}

func (s *Messages) Number() int  { return 7 }
func (s *Messages) Name() string { return "messages" }

func (s *Messages) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage4, 4, opts.RunID); err != nil {
		return nil, err
	}
	rows, err := s.p.wh.SelectMessages(warehouse.TableStage4, opts.RunID)
	if err != nil {
		return nil, err
	}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows[i].ParentID = identity.ConversationID(rows[i].SessionID)
	}

	stats := &Stats{RowsIn: len(rows), RowsOut: len(rows)}
	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(rows))
		if err := s.p.wh.InsertStage7(rows[start:end]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}
