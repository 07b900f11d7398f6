// Package eventlog maintains the append-only per-entity event store. Every
// entity mutation is recorded as an event with a causal chain back to the
// event that produced its inputs, so any entity's state can be reconstructed
// as of a point in time.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"entpipe/internal/identity"
)

// Event types. The store is append-only: corrections and deletions are new
// events, never row updates.
const (
	TypeCreated   = "CREATED"
	TypeUpdated   = "UPDATED"
	TypeCorrected = "CORRECTED"
	TypeDeleted   = "DELETED"
)

// Event is one row of the event store.
type Event struct {
	EventID         string         `json:"event_id"`
	EntityID        string         `json:"entity_id"`
	EventType       string         `json:"event_type"`
	EventData       map[string]any `json:"event_data,omitempty"`
	PreviousEventID string         `json:"previous_event_id,omitempty"`
	CausalChain     []string       `json:"causal_chain,omitempty"`
	Stage           int            `json:"stage"`
	RunID           string         `json:"run_id"`
	SystemTime      time.Time      `json:"system_time"`
}

// Store appends and reads events. It shares the warehouse connection.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open warehouse connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append records an event for an entity. The previous event id and causal
// chain are resolved automatically from the entity's latest event; data
// carries the stage-specific payload.
func (s *Store) Append(entityID, eventType string, stage int, runID string, data map[string]any) (*Event, error) {
	if entityID == "" {
		return nil, fmt.Errorf("empty entity id")
	}
	now := time.Now().UTC()

	prev, err := s.Latest(entityID)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		EventID:    identity.EventID(entityID, eventType, now),
		EntityID:   entityID,
		EventType:  eventType,
		EventData:  data,
		Stage:      stage,
		RunID:      runID,
		SystemTime: now,
	}
	if prev != nil {
		ev.PreviousEventID = prev.EventID
		ev.CausalChain = append(append([]string{}, prev.CausalChain...), prev.EventID)
	}

	dataBlob, err := json.Marshal(ev.EventData)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	chainBlob, err := json.Marshal(ev.CausalChain)
	if err != nil {
		return nil, fmt.Errorf("marshal causal chain: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO event_store
			(event_id, entity_id, event_type, event_data, previous_event_id, causal_chain, stage, run_id, system_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.EntityID, ev.EventType, dataBlob, nullStr(ev.PreviousEventID), chainBlob, ev.Stage, ev.RunID, ev.SystemTime); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// Latest returns the most recent event for an entity, or nil if none exist.
func (s *Store) Latest(entityID string) (*Event, error) {
	row := s.db.QueryRow(`
		SELECT event_id, entity_id, event_type, event_data, previous_event_id, causal_chain, stage, run_id, system_time
		FROM event_store WHERE entity_id = ?
		ORDER BY system_time DESC, event_id DESC LIMIT 1
	`, entityID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

// Events returns all events for an entity in chronological order.
func (s *Store) Events(entityID string) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT event_id, entity_id, event_type, event_data, previous_event_id, causal_chain, stage, run_id, system_time
		FROM event_store WHERE entity_id = ?
		ORDER BY system_time, event_id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// ReconstructState folds an entity's events up to the cutoff time into a
// single state map. A DELETED event resets the state; later events rebuild
// it.
func (s *Store) ReconstructState(entityID string, at time.Time) (map[string]any, error) {
	events, err := s.Events(entityID)
	if err != nil {
		return nil, err
	}

	state := make(map[string]any)
	for _, ev := range events {
		if ev.SystemTime.After(at) {
			break
		}
		if ev.EventType == TypeDeleted {
			state = make(map[string]any)
			continue
		}
		for k, v := range ev.EventData {
			state[k] = v
		}
	}
	return state, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*Event, error) {
	var ev Event
	var data, chain []byte
	var prev sql.NullString
	if err := r.Scan(&ev.EventID, &ev.EntityID, &ev.EventType, &data, &prev, &chain, &ev.Stage, &ev.RunID, &ev.SystemTime); err != nil {
		return nil, err
	}
	ev.PreviousEventID = prev.String
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev.EventData); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
	}
	if len(chain) > 0 {
		if err := json.Unmarshal(chain, &ev.CausalChain); err != nil {
			return nil, fmt.Errorf("decode causal chain: %w", err)
		}
	}
	return &ev, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
