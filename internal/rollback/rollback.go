// Package rollback undoes a pipeline run's writes to one stage table.
// Deletion is scoped strictly by run_id and requires explicit confirmation;
// identifiers are validated before any query is issued.
package rollback

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"entpipe/internal/logging"
	"entpipe/internal/warehouse"
)

// ErrAborted is returned when the operator declines the confirmation prompt.
var ErrAborted = fmt.Errorf("rollback aborted")

// ListRuns prints the runs that wrote to a stage's table, most recent
// first, with row counts.
func ListRuns(wh *warehouse.DB, stage int, out io.Writer) error {
	table, err := warehouse.StageTable(stage)
	if err != nil {
		return err
	}
	if table == "" {
		return fmt.Errorf("stage %d has no output table to roll back", stage)
	}
	runs, err := wh.ListRuns(table)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(out, "no runs found in %s\n", table)
		return nil
	}
	fmt.Fprintf(out, "runs in %s (most recent first):\n", table)
	for _, r := range runs {
		fmt.Fprintf(out, "  %s  %d rows  last write %s\n", r.RunID, r.Rows, r.LastWrite.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// Run deletes every row the given run wrote to the stage's table. Unless
// confirmed is already true, it prints a preview row count and requires the
// operator to type "yes".
func Run(wh *warehouse.DB, stage int, runID string, confirmed bool, in io.Reader, out io.Writer) error {
	table, err := warehouse.StageTable(stage)
	if err != nil {
		return err
	}
	if table == "" {
		return fmt.Errorf("stage %d has no output table to roll back", stage)
	}
	if runID == "" {
		return fmt.Errorf("rollback requires --run-id; use --list-runs to see candidates")
	}
	if !warehouse.ValidIdentifier(runID) {
		return fmt.Errorf("invalid run id %q", runID)
	}

	count, err := wh.CountRows(table, runID)
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Fprintf(out, "nothing to do: no rows in %s for run %s\n", table, runID)
		return nil
	}

	fmt.Fprintf(out, "will delete %d row(s) from %s for run %s\n", count, table, runID)
	if !confirmed {
		fmt.Fprint(out, "type 'yes' to confirm: ")
		scanner := bufio.NewScanner(in)
		if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "yes" {
			return ErrAborted
		}
	}

	deleted, err := wh.DeleteRun(table, runID)
	if err != nil {
		return err
	}
	if stage == 1 {
		// Stage 1 also writes the dead-letter table.
		n, err := wh.DeleteRun(warehouse.TableStage1DLQ, runID)
		if err != nil {
			return err
		}
		deleted += n
	}
	logging.Info("rollback", "stage %d run %s: deleted %d rows", stage, runID, deleted)
	fmt.Fprintf(out, "deleted %d row(s)\n", deleted)
	return nil
}
