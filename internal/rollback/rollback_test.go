package rollback

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/identity"
	"entpipe/internal/warehouse"
)

func newTestWarehouse(t *testing.T) *warehouse.DB {
	t.Helper()
	wh, err := warehouse.Open(filepath.Join(t.TempDir(), "warehouse.db"))
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	return wh
}

func seedStage1(t *testing.T, wh *warehouse.DB, runID string, n int) {
	t.Helper()
	rows := make([]entity.MessageRow, 0, n)
	for i := 0; i < n; i++ {
		fp := identity.Fingerprint("sess", i, "content")
		rows = append(rows, entity.MessageRow{
			ExtractionID: identity.ExtractionID("sess", i, fp),
			SessionID:    "sess",
			MessageIndex: i,
			MessageType:  "message",
			Role:         entity.RoleUser,
			Content:      "content",
			Fingerprint:  fp,
			SourceFile:   "/tmp/sess.jsonl",
			ExtractedAt:  time.Now().UTC(),
			RunID:        runID,
		})
	}
	if err := wh.InsertMessages(warehouse.TableStage1, rows); err != nil {
		t.Fatal(err)
	}
}

func TestRun_RequiresRunID(t *testing.T) {
	wh := newTestWarehouse(t)
	var out bytes.Buffer
	if err := Run(wh, 1, "", true, nil, &out); err == nil {
		t.Error("rollback without run id accepted")
	}
}

func TestRun_RejectsMalformedRunID(t *testing.T) {
	wh := newTestWarehouse(t)
	var out bytes.Buffer
	if err := Run(wh, 1, "run'; DROP TABLE stage_1 --", true, nil, &out); err == nil {
		t.Error("malicious run id accepted")
	}
}

func TestRun_NothingToDo(t *testing.T) {
	wh := newTestWarehouse(t)
	var out bytes.Buffer
	if err := Run(wh, 1, identity.NewRunID(), true, nil, &out); err != nil {
		t.Fatalf("empty rollback errored: %v", err)
	}
	if !strings.Contains(out.String(), "nothing to do") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestRun_AbortsWithoutConfirmation(t *testing.T) {
	wh := newTestWarehouse(t)
	runID := identity.NewRunID()
	seedStage1(t, wh, runID, 3)

	var out bytes.Buffer
	err := Run(wh, 1, runID, false, strings.NewReader("no\n"), &out)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	count, _ := wh.CountRows(warehouse.TableStage1, runID)
	if count != 3 {
		t.Errorf("aborted rollback deleted rows: %d remain", count)
	}
}

func TestRun_DeletesOnlyTheRun(t *testing.T) {
	wh := newTestWarehouse(t)
	target := "run_20240101T000000Z_aaaa1111"
	other := "run_20240102T000000Z_bbbb2222"
	seedStage1(t, wh, target, 2)
	seedStage1(t, wh, other, 2)

	var out bytes.Buffer
	if err := Run(wh, 1, target, false, strings.NewReader("yes\n"), &out); err != nil {
		t.Fatalf("confirmed rollback failed: %v", err)
	}
	if count, _ := wh.CountRows(warehouse.TableStage1, target); count != 0 {
		t.Errorf("target run not fully deleted: %d rows remain", count)
	}
	if count, _ := wh.CountRows(warehouse.TableStage1, other); count != 2 {
		t.Errorf("other run affected: %d rows", count)
	}
}

func TestRun_Stage1AlsoClearsDLQ(t *testing.T) {
	wh := newTestWarehouse(t)
	runID := identity.NewRunID()
	seedStage1(t, wh, runID, 1)
	dlq := entity.DLQRow{
		DLQID:      identity.DLQID("sess", 2),
		SourceFile: "/tmp/sess.jsonl",
		LineOffset: 2,
		RawLine:    "{broken",
		Reason:     "invalid JSON",
		RunID:      runID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := wh.InsertDLQ([]entity.DLQRow{dlq}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := Run(wh, 1, runID, true, nil, &out); err != nil {
		t.Fatal(err)
	}
	if rows, _ := wh.SelectDLQ(runID); len(rows) != 0 {
		t.Errorf("DLQ rows survived stage 1 rollback: %d", len(rows))
	}
}

func TestListRuns(t *testing.T) {
	wh := newTestWarehouse(t)
	runID := identity.NewRunID()
	seedStage1(t, wh, runID, 2)

	var out bytes.Buffer
	if err := ListRuns(wh, 1, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), runID) {
		t.Errorf("run %s not listed:\n%s", runID, out.String())
	}
	if !strings.Contains(out.String(), "2 rows") {
		t.Errorf("row count not listed:\n%s", out.String())
	}
}
