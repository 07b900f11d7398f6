package warehouse

import (
	"errors"
	"fmt"
	"regexp"
)

// Warehouse table names. The pipeline is their sole writer.
const (
	TableStage1    = "claude_code_stage_1"
	TableStage1DLQ = "claude_code_stage_1_dlq"
	TableStage2    = "claude_code_stage_2"
	TableStage3    = "claude_code_stage_3"
	TableStage4    = "claude_code_stage_4"
	TableStage5    = "claude_code_stage_5"
	TableStage6    = "claude_code_stage_6"
	TableStage7    = "claude_code_stage_7"
	TableStage8    = "claude_code_stage_8"
	TableStage9    = "claude_code_stage_9"
	TableStage10   = "claude_code_stage_10"
	TableStage11   = "claude_code_stage_11"
	TableStage12   = "claude_code_stage_12"
	TableStage13   = "claude_code_stage_13"
	TableStage14   = "claude_code_stage_14"
	TableStage15   = "claude_code_stage_15"
	TableUnified   = "entity_unified"

	TableEventStore = "event_store"
	TableProvenance = "provenance_ledger"
	TableContracts  = "data_contracts"
	TableSignals    = "pipeline_signals"
)

// ErrTableMissing is returned when a stage's input table is absent or empty
// for the requested run.
var ErrTableMissing = errors.New("input table missing or empty")

// identifierPattern is the strict allow-list for run ids and table names
// that appear anywhere near SQL. Everything else is refused before a query
// is issued; value predicates are always parameterized on top of this.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)

// ValidIdentifier reports whether s is safe to use as a run id or table
// identifier.
func ValidIdentifier(s string) bool {
	return s != "" && len(s) <= 128 && identifierPattern.MatchString(s)
}

// checkIdentifier returns an error for identifiers that fail validation.
func checkIdentifier(kind, s string) error {
	if !ValidIdentifier(s) {
		return fmt.Errorf("refusing unvalidated %s %q", kind, s)
	}
	return nil
}

// stageTables maps stage number to its output table. Stage 0 writes only a
// manifest file; stage 16 writes entity_unified.
var stageTables = map[int]string{
	1:  TableStage1,
	2:  TableStage2,
	3:  TableStage3,
	4:  TableStage4,
	5:  TableStage5,
	6:  TableStage6,
	7:  TableStage7,
	8:  TableStage8,
	9:  TableStage9,
	10: TableStage10,
	11: TableStage11,
	12: TableStage12,
	13: TableStage13,
	14: TableStage14,
	15: TableStage15,
	16: TableUnified,
}

// StageTable returns the output table for a stage, or "" for stage 0 (which
// writes a manifest file, not a table).
func StageTable(stage int) (string, error) {
	if stage == 0 {
		return "", nil
	}
	table, ok := stageTables[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %d", stage)
	}
	return table, nil
}

// AllTables lists every table the warehouse owns.
func AllTables() []string {
	return []string{
		TableStage1, TableStage1DLQ, TableStage2, TableStage3, TableStage4,
		TableStage5, TableStage6, TableStage7, TableStage8, TableStage9,
		TableStage10, TableStage11, TableStage12, TableStage13, TableStage14,
		TableStage15, TableUnified,
		TableEventStore, TableProvenance, TableContracts, TableSignals,
	}
}
