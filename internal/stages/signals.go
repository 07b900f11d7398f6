package stages

import (
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/identity"
)

// Signal types recorded by stages.
const (
	SignalEmbedFailed    = "EMBED_FAILED"
	SignalExtractFailed  = "EXTRACT_FAILED"
	SignalParseFailed    = "PARSE_FAILED"
	SignalContractBreach = "CONTRACT_BREACH"
)

func newSignal(stage int, entityID, signalType, message, runID string) entity.Signal {
	return entity.Signal{
		SignalID:   identity.SignalID(stage, entityID),
		Stage:      stage,
		EntityID:   entityID,
		SignalType: signalType,
		Message:    message,
		RunID:      runID,
		CreatedAt:  time.Now().UTC(),
	}
}
