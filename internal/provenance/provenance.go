// Package provenance maintains the content-addressed transformation ledger.
// Each record hashes a stage's input and output, so any promoted entity can
// be traced back through every transformation that produced it and verified
// against the hashes recorded at the time.
package provenance

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"entpipe/internal/identity"
)

// Record is one row of the provenance ledger.
type Record struct {
	ProvenanceID       string         `json:"provenance_id"`
	EntityID           string         `json:"entity_id"`
	Stage              int            `json:"stage"`
	InputHash          string         `json:"input_hash"`
	OutputHash         string         `json:"output_hash"`
	Transformation     string         `json:"transformation"`
	Params             map[string]any `json:"params,omitempty"`
	ParentProvenanceID string         `json:"parent_provenance_id,omitempty"`
	RunID              string         `json:"run_id"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Ledger appends and reads provenance records on the warehouse connection.
type Ledger struct {
	db *sql.DB
}

// NewLedger wraps an open warehouse connection.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Hash content-addresses an arbitrary value: canonical JSON (sorted keys for
// maps) fed to BLAKE3, first 32 hex chars.
func Hash(v any) string {
	b, err := canonicalJSON(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", v))
	}
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:16])
}

// canonicalJSON marshals v with deterministic map key order. encoding/json
// already sorts map keys; the round-trip normalizes struct field order too.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(sortKeys(generic))
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]any, len(t))
		for _, k := range keys {
			m[k] = sortKeys(t[k])
		}
		return m
	case []any:
		for i := range t {
			t[i] = sortKeys(t[i])
		}
		return t
	default:
		return v
	}
}

// Append records a transformation. The parent provenance id is resolved from
// the entity's latest record, chaining stage outputs into a lineage.
func (l *Ledger) Append(entityID string, stage int, inputHash, outputHash, transformation, runID string, params map[string]any) (*Record, error) {
	if entityID == "" {
		return nil, fmt.Errorf("empty entity id")
	}
	now := time.Now().UTC()

	var parentID string
	prev, err := l.Latest(entityID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		parentID = prev.ProvenanceID
	}

	rec := &Record{
		ProvenanceID:       identity.ProvenanceID(entityID, stage, now),
		EntityID:           entityID,
		Stage:              stage,
		InputHash:          inputHash,
		OutputHash:         outputHash,
		Transformation:     transformation,
		Params:             params,
		ParentProvenanceID: parentID,
		RunID:              runID,
		CreatedAt:          now,
	}

	paramsBlob, err := json.Marshal(rec.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	if _, err := l.db.Exec(`
		INSERT INTO provenance_ledger
			(provenance_id, entity_id, stage, input_hash, output_hash, transformation, params, parent_provenance_id, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ProvenanceID, rec.EntityID, rec.Stage, rec.InputHash, rec.OutputHash,
		rec.Transformation, paramsBlob, nullStr(rec.ParentProvenanceID), rec.RunID, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("append provenance: %w", err)
	}
	return rec, nil
}

// Latest returns the most recent record for an entity, or nil if none exist.
func (l *Ledger) Latest(entityID string) (*Record, error) {
	row := l.db.QueryRow(`
		SELECT provenance_id, entity_id, stage, input_hash, output_hash, transformation, params, parent_provenance_id, run_id, created_at
		FROM provenance_ledger WHERE entity_id = ?
		ORDER BY created_at DESC, provenance_id DESC LIMIT 1
	`, entityID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Chain returns an entity's full lineage in chronological order by walking
// parent_provenance_id from the latest record back to the root.
func (l *Ledger) Chain(entityID string) ([]Record, error) {
	rec, err := l.Latest(entityID)
	if err != nil {
		return nil, err
	}

	var chain []Record
	seen := make(map[string]bool)
	for rec != nil {
		if seen[rec.ProvenanceID] {
			return nil, fmt.Errorf("provenance cycle at %s", rec.ProvenanceID)
		}
		seen[rec.ProvenanceID] = true
		chain = append(chain, *rec)
		if rec.ParentProvenanceID == "" {
			break
		}
		rec, err = l.byID(rec.ParentProvenanceID)
		if err != nil {
			return nil, err
		}
	}

	// Walked tip-to-root; callers want root-to-tip.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (l *Ledger) byID(provenanceID string) (*Record, error) {
	row := l.db.QueryRow(`
		SELECT provenance_id, entity_id, stage, input_hash, output_hash, transformation, params, parent_provenance_id, run_id, created_at
		FROM provenance_ledger WHERE provenance_id = ?
	`, provenanceID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provenance record %s not found", provenanceID)
	}
	return rec, err
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var params []byte
	var parent sql.NullString
	if err := row.Scan(&rec.ProvenanceID, &rec.EntityID, &rec.Stage, &rec.InputHash, &rec.OutputHash,
		&rec.Transformation, &params, &parent, &rec.RunID, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.ParentProvenanceID = parent.String
	if len(params) > 0 {
		if err := json.Unmarshal(params, &rec.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return &rec, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
