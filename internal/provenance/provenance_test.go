package provenance

import (
	"path/filepath"
	"testing"
	"time"

	"entpipe/internal/identity"
	"entpipe/internal/warehouse"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	wh, err := warehouse.Open(filepath.Join(t.TempDir(), "warehouse.db"))
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	return NewLedger(wh.SQL())
}

func TestHash_Deterministic(t *testing.T) {
	a := Hash(map[string]any{"x": 1, "y": "two"})
	b := Hash(map[string]any{"y": "two", "x": 1})
	if a != b {
		t.Errorf("map key order changed the hash: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("hash length %d, want 32", len(a))
	}
	if a == Hash(map[string]any{"x": 2, "y": "two"}) {
		t.Error("different content produced the same hash")
	}
}

func TestHash_NestedMaps(t *testing.T) {
	a := Hash(map[string]any{"outer": map[string]any{"b": 2, "a": 1}})
	b := Hash(map[string]any{"outer": map[string]any{"a": 1, "b": 2}})
	if a != b {
		t.Errorf("nested key order changed the hash: %s vs %s", a, b)
	}
}

func TestAppendChainsRecords(t *testing.T) {
	l := newTestLedger(t)
	entityID := identity.MessageIDFromGUID("p", "g", "f")
	runID := identity.NewRunID()

	r1, err := l.Append(entityID, 3, Hash("in1"), Hash("out1"), "assign_identity", runID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r1.ParentProvenanceID != "" {
		t.Errorf("first record has a parent: %s", r1.ParentProvenanceID)
	}

	time.Sleep(2 * time.Millisecond)
	r2, err := l.Append(entityID, 16, Hash("in2"), Hash("out2"), "promote", runID,
		map[string]any{"include_warnings": false})
	if err != nil {
		t.Fatal(err)
	}
	if r2.ParentProvenanceID != r1.ProvenanceID {
		t.Errorf("parent %s, want %s", r2.ParentProvenanceID, r1.ProvenanceID)
	}

	chain, err := l.Chain(entityID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length %d, want 2", len(chain))
	}
	if chain[0].ProvenanceID != r1.ProvenanceID || chain[1].ProvenanceID != r2.ProvenanceID {
		t.Error("chain not in root-to-tip order")
	}
	if chain[1].Transformation != "promote" {
		t.Errorf("transformation %q", chain[1].Transformation)
	}
}

func TestChain_EmptyEntity(t *testing.T) {
	l := newTestLedger(t)
	chain, err := l.Chain(identity.MessageIDFromGUID("x", "y", "z"))
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 0 {
		t.Errorf("chain for unknown entity has %d records", len(chain))
	}
}
