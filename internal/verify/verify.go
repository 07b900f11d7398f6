// Package verify implements the per-stage integrity checks. Each stage's
// verification confirms its output table exists, counts rows (scoped to a
// run when one is given), and checks stage-specific invariants. Failures
// are reported in a three-part template: what it means, what to do, and the
// technical detail.
package verify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"entpipe/internal/entity"
	"entpipe/internal/warehouse"
)

// Failure is one failed check, formatted for a human operator.
type Failure struct {
	Check         string
	WhatThisMeans string
	WhatToDo      []string
	Technical     string
}

// Report is the outcome of verifying one stage.
type Report struct {
	Stage    int
	Table    string
	RunID    string
	RowCount int
	Failures []Failure
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

// Format renders the report. Failures follow the three-part template.
func (r *Report) Format() string {
	var b strings.Builder
	scope := "all runs"
	if r.RunID != "" {
		scope = "run " + r.RunID
	}
	fmt.Fprintf(&b, "stage %d", r.Stage)
	if r.Table != "" {
		fmt.Fprintf(&b, " (%s)", r.Table)
	}
	fmt.Fprintf(&b, ": %d rows, %s\n", r.RowCount, scope)

	if r.OK() {
		b.WriteString("PASS\n")
		return b.String()
	}
	fmt.Fprintf(&b, "FAIL: %d check(s) failed\n", len(r.Failures))
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "\n[%s]\n", f.Check)
		fmt.Fprintf(&b, "What this means: %s\n", f.WhatThisMeans)
		b.WriteString("What to do:\n")
		for i, step := range f.WhatToDo {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, step)
		}
		fmt.Fprintf(&b, "Technical error: %s\n", f.Technical)
	}
	return b.String()
}

// Verifier runs stage checks against the warehouse.
type Verifier struct {
	wh         *warehouse.DB
	stagingDir string
}

// New creates a Verifier. stagingDir locates stage 0 manifests.
func New(wh *warehouse.DB, stagingDir string) *Verifier {
	return &Verifier{wh: wh, stagingDir: stagingDir}
}

// Stage verifies one stage. runID may be empty to check across all runs.
func (v *Verifier) Stage(stage int, runID string) (*Report, error) {
	if stage < 0 || stage > 16 {
		return nil, fmt.Errorf("no stage %d (valid: 0-16)", stage)
	}
	if stage == 0 {
		return v.verifyDiscovery(runID)
	}

	table, err := warehouse.StageTable(stage)
	if err != nil {
		return nil, err
	}
	report := &Report{Stage: stage, Table: table, RunID: runID}

	exists, err := v.wh.TableExists(table)
	if err != nil {
		return nil, err
	}
	if !exists {
		report.Failures = append(report.Failures, Failure{
			Check:         "table_exists",
			WhatThisMeans: fmt.Sprintf("The output of stage %d has never been created in this warehouse.", stage),
			WhatToDo: []string{
				fmt.Sprintf("Run stage %d to create and populate %s.", stage, table),
				"Re-run this verification.",
			},
			Technical: fmt.Sprintf("table %s not found", table),
		})
		return report, nil
	}

	report.RowCount, err = v.wh.CountRows(table, runID)
	if err != nil {
		return nil, err
	}
	if runID != "" && report.RowCount == 0 {
		report.Failures = append(report.Failures, Failure{
			Check:         "rows_for_run",
			WhatThisMeans: fmt.Sprintf("Stage %d produced no output for this run.", stage),
			WhatToDo: []string{
				fmt.Sprintf("Check that stage %d completed for run %s.", stage, runID),
				fmt.Sprintf("Re-run stage %d with --run-id %s.", stage, runID),
			},
			Technical: fmt.Sprintf("0 rows in %s for run_id %s", table, runID),
		})
		return report, nil
	}

	v.stageInvariants(stage, table, runID, report)
	return report, nil
}

// stageInvariants adds the stage-specific checks to the report.
func (v *Verifier) stageInvariants(stage int, table, runID string, report *Report) {
	switch stage {
	case 1:
		v.checkNullField(report, table, "fingerprint", runID,
			"Some extracted messages are missing their deduplication fingerprint.",
			"re-run stage 1")
	case 3:
		v.checkDuplicates(report, table, runID)
		v.checkNullField(report, table, "entity_id", runID,
			"Some messages passed The Gate without receiving an identity.",
			"re-run stage 3")
	case 5:
		v.checkLevels(report, table, runID, []int{entity.LevelConversation})
	case 6:
		v.checkLevels(report, table, runID, []int{entity.LevelSpan, entity.LevelSentence})
	case 7:
		v.checkLevels(report, table, runID, []int{entity.LevelMessage})
		v.checkDuplicates(report, table, runID)
	case 8:
		v.checkLevels(report, table, runID, []int{entity.LevelSpan})
	case 13:
		v.checkNullField(report, table, "relationship_id", runID,
			"Some relationship edges are missing their stable edge id.",
			"re-run stage 13")
	case 14, 15:
		v.checkDuplicates(report, table, runID)
	case 16:
		v.checkDuplicates(report, table, "")
		v.checkStatuses(report, table, runID)
	}
}

func (v *Verifier) verifyDiscovery(runID string) (*Report, error) {
	report := &Report{Stage: 0, RunID: runID}
	if runID == "" {
		// Without a run there is no specific manifest to check.
		return report, nil
	}
	path := filepath.Join(v.stagingDir, fmt.Sprintf("manifest_%s.json", runID))
	if _, err := os.Stat(path); err != nil {
		report.Failures = append(report.Failures, Failure{
			Check:         "manifest_exists",
			WhatThisMeans: "Discovery never ran for this run, so no stage knows what source files to process.",
			WhatToDo: []string{
				fmt.Sprintf("Run stage 0 with --run-id %s.", runID),
				"Confirm the staging directory is correct in your configuration.",
			},
			Technical: err.Error(),
		})
	} else {
		report.RowCount = 1
	}
	return report, nil
}

func (v *Verifier) checkDuplicates(report *Report, table, runID string) {
	dupes, err := v.wh.DuplicateEntityIDs(table, runID)
	if err != nil {
		report.Failures = append(report.Failures, techFailure("unique_entity_ids", err))
		return
	}
	if len(dupes) > 0 {
		report.Failures = append(report.Failures, Failure{
			Check:         "unique_entity_ids",
			WhatThisMeans: "The same entity was written more than once, which breaks the one-row-per-entity guarantee downstream consumers rely on.",
			WhatToDo: []string{
				fmt.Sprintf("Roll back the affected run from %s.", table),
				"Re-run the stage once.",
				"If duplicates persist, the identity inputs changed between runs; inspect the listed entity ids.",
			},
			Technical: fmt.Sprintf("%d duplicate entity_id(s) in %s, first: %s", len(dupes), table, dupes[0]),
		})
	}
}

func (v *Verifier) checkLevels(report *Report, table, runID string, want []int) {
	n, err := v.wh.LevelViolations(table, runID, want)
	if err != nil {
		report.Failures = append(report.Failures, techFailure("level_invariant", err))
		return
	}
	if n > 0 {
		report.Failures = append(report.Failures, Failure{
			Check:         "level_invariant",
			WhatThisMeans: fmt.Sprintf("Rows in %s sit at the wrong position in the entity hierarchy, so parent/child navigation over them is wrong.", table),
			WhatToDo: []string{
				"Roll back the affected run from this table.",
				"Re-run the stage that writes it.",
			},
			Technical: fmt.Sprintf("%d row(s) in %s with level outside %v", n, table, want),
		})
	}
}

func (v *Verifier) checkStatuses(report *Report, table, runID string) {
	n, err := v.wh.InvalidStatusCount(table, runID, []string{entity.StatusPassed, entity.StatusWarning, entity.StatusFailed})
	if err != nil {
		report.Failures = append(report.Failures, techFailure("validation_status", err))
		return
	}
	if n > 0 {
		report.Failures = append(report.Failures, Failure{
			Check:         "validation_status",
			WhatThisMeans: "Promoted entities carry a validation status outside the known vocabulary, so quality filters cannot be trusted.",
			WhatToDo: []string{
				"Roll back the affected run from entity_unified.",
				"Re-run stages 15 and 16.",
			},
			Technical: fmt.Sprintf("%d row(s) in %s with unknown validation_status", n, table),
		})
	}
}

func (v *Verifier) checkNullField(report *Report, table, column, runID, meaning, remedy string) {
	n, err := v.wh.NullFieldCount(table, column, runID)
	if err != nil {
		report.Failures = append(report.Failures, techFailure("required_"+column, err))
		return
	}
	if n > 0 {
		report.Failures = append(report.Failures, Failure{
			Check:         "required_" + column,
			WhatThisMeans: meaning,
			WhatToDo: []string{
				"Roll back the affected run from " + table + ".",
				"Then " + remedy + ".",
			},
			Technical: fmt.Sprintf("%d row(s) in %s with NULL or empty %s", n, table, column),
		})
	}
}

func techFailure(check string, err error) Failure {
	return Failure{
		Check:         check,
		WhatThisMeans: "The verification query itself failed, so this invariant could not be checked.",
		WhatToDo:      []string{"Check that the warehouse file is readable and not corrupted.", "Re-run verification."},
		Technical:     err.Error(),
	}
}
