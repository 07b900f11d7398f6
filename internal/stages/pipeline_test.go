package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"entpipe/internal/config"
	"entpipe/internal/entity"
	"entpipe/internal/identity"
	"entpipe/internal/warehouse"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Warehouse.Path = filepath.Join(root, "warehouse.db")
	cfg.Source.Dir = filepath.Join(root, "sessions")
	cfg.Staging.Dir = filepath.Join(root, "staging")
	cfg.Pipeline.ExtractWorkers = 2
	cfg.Pipeline.StageTimeoutMinutes = 5
	cfg.Enrich.KeywordMinLength = 10

	if err := os.MkdirAll(cfg.Source.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	wh, err := warehouse.Open(cfg.Warehouse.Path)
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	return NewPipeline(&cfg, wh, nil)
}

func writeSession(t *testing.T, p *Pipeline, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(p.cfg.Source.Dir, name)
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func messageLine(role, content, timestamp string) string {
	return fmt.Sprintf(`{"type":"message","role":%q,"content":%q,"timestamp":%q}`,
		role, content, timestamp)
}

// localStages is the stage sequence that runs without the LLM gateway
// (embeddings and structured extraction need a live endpoint).
var localStages = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 11, 12, 13, 14, 15, 16}

func runStages(t *testing.T, p *Pipeline, opts Options, stages []int) {
	t.Helper()
	ctx := context.Background()
	for _, n := range stages {
		if _, err := p.RunStage(ctx, n, opts); err != nil {
			t.Fatalf("stage %d failed: %v", n, err)
		}
	}
}

func TestEmptySourceFileIsNoGo(t *testing.T) {
	p := newTestPipeline(t)
	writeSession(t, p, "empty.jsonl")
	runID := identity.NewRunID()

	if _, err := p.RunStage(context.Background(), 0, Options{RunID: runID}); err != nil {
		t.Fatalf("discovery failed: %v", err)
	}
	manifest, err := p.ReadManifest(runID)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.FileCount != 1 {
		t.Errorf("expected 1 discovered file, got %d", manifest.FileCount)
	}
	if manifest.GoNoGo != VerdictNoMessages {
		t.Errorf("expected %s, got %s", VerdictNoMessages, manifest.GoNoGo)
	}

	// Extraction refuses to run against a NO_GO manifest.
	if _, err := p.RunStage(context.Background(), 1, Options{RunID: runID}); err == nil {
		t.Error("extraction ran despite NO_GO verdict")
	}
	count, _ := p.wh.CountRows(warehouse.TableStage1, runID)
	if count != 0 {
		t.Errorf("extraction wrote %d rows despite NO_GO", count)
	}
}

func TestHighMalformedRatioIsNoGo(t *testing.T) {
	p := newTestPipeline(t)
	writeSession(t, p, "broken.jsonl",
		messageLine("user", "one good line", "2024-03-01T10:00:00Z"),
		"{not json",
		"also not json",
	)

	d := &Discovery{p: p}
	manifest, err := d.Discover(context.Background(), identity.NewRunID())
	if err != nil {
		t.Fatal(err)
	}
	if manifest.GoNoGo != VerdictMalformedRatio {
		t.Errorf("expected %s, got %s", VerdictMalformedRatio, manifest.GoNoGo)
	}
}

func TestMissingSourceDirIsNoGo(t *testing.T) {
	p := newTestPipeline(t)
	p.cfg.Source.Dir = filepath.Join(p.cfg.Source.Dir, "does-not-exist")

	d := &Discovery{p: p}
	manifest, err := d.Discover(context.Background(), identity.NewRunID())
	if err != nil {
		t.Fatal(err)
	}
	if manifest.GoNoGo != VerdictNoSourceDir {
		t.Errorf("expected %s, got %s", VerdictNoSourceDir, manifest.GoNoGo)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	p := newTestPipeline(t)
	writeSession(t, p, "sess_a.jsonl",
		messageLine("user", "How do I parse JSON in Go? The encoding package confuses me.", "2024-03-01T10:00:00Z"),
		messageLine("assistant", "Use encoding/json. Define a struct, then call json.Unmarshal.", "2024-03-01T10:00:05Z"),
	)
	runID := identity.NewRunID()
	opts := Options{RunID: runID}
	runStages(t, p, opts, localStages)

	// Two L5 messages, parented to the conversation.
	messages, err := p.wh.SelectStage7(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	convID := identity.ConversationID(messages[0].SessionID)
	for _, m := range messages {
		if m.ParentID != convID {
			t.Errorf("message %s parented to %s, want %s", m.EntityID, m.ParentID, convID)
		}
		if len(m.EntityID) != identity.EntityIDLen {
			t.Errorf("bad entity id %q", m.EntityID)
		}
	}

	// One L8 conversation with correct rollups.
	convs, err := p.wh.SelectConversations(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	c := convs[0]
	if c.Level != entity.LevelConversation || c.MessageCount != 2 ||
		c.UserMessageCount != 1 || c.AssistantMessageCount != 1 {
		t.Errorf("conversation rollups wrong: %+v", c)
	}
	if c.FirstMessageAt == nil || c.LastMessageAt == nil || c.LastMessageAt.Before(*c.FirstMessageAt) {
		t.Errorf("conversation time range wrong: %v .. %v", c.FirstMessageAt, c.LastMessageAt)
	}

	// Sentences exist and preserve the message word count within tolerance.
	sentences, err := p.wh.SelectSentences(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sentences) < 2 {
		t.Fatalf("expected sentences from both messages, got %d", len(sentences))
	}
	perMessage := make(map[string]int)
	for _, s := range sentences {
		perMessage[s.ParentID] += s.WordCount
	}
	for _, m := range messages {
		got := perMessage[m.EntityID]
		diff := got - m.WordCount
		if diff < -1 || diff > 1 {
			t.Errorf("sentence word counts for %s sum to %d, message has %d", m.EntityID, got, m.WordCount)
		}
	}

	// The user message is answered: one REPLIES_TO edge in message order.
	replies, err := p.wh.SelectRelationships(runID, entity.RelRepliesTo)
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 {
		t.Fatalf("expected 1 REPLIES_TO edge, got %d", len(replies))
	}
	var userID, assistantID string
	for _, m := range messages {
		switch m.Role {
		case entity.RoleUser:
			userID = m.EntityID
		case entity.RoleAssistant:
			assistantID = m.EntityID
		}
	}
	if replies[0].SourceID != userID || replies[0].TargetID != assistantID {
		t.Errorf("REPLIES_TO edge %s -> %s, want %s -> %s",
			replies[0].SourceID, replies[0].TargetID, userID, assistantID)
	}

	// Every child row carries a parent_child edge.
	parentEdges, err := p.wh.SelectRelationships(runID, entity.RelParentChild)
	if err != nil {
		t.Fatal(err)
	}
	spans, _ := p.wh.SelectSpans(runID)
	want := len(messages) + len(sentences) + len(spans)
	if len(parentEdges) != want {
		t.Errorf("expected %d parent_child edges, got %d", want, len(parentEdges))
	}

	// Validation passed everything and promotion landed it all.
	scored, err := p.wh.SelectUnified(warehouse.TableStage15, runID, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range scored {
		if u.ValidationStatus != entity.StatusPassed {
			t.Errorf("entity %s (level %d) validated %s: score %.2f",
				u.EntityID, u.Level, u.ValidationStatus, u.ValidationScore)
		}
	}
	promoted, err := p.wh.CountRows(warehouse.TableUnified, runID)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != len(scored) {
		t.Errorf("promoted %d of %d scored entities", promoted, len(scored))
	}
}

func TestMalformedLineGoesToDLQ(t *testing.T) {
	p := newTestPipeline(t)
	writeSession(t, p, "sess_b.jsonl",
		messageLine("user", "first message here", "2024-03-01T10:00:00Z"),
		`{"type":"message","role":"user","content": BROKEN`,
		messageLine("assistant", "second message here", "2024-03-01T10:00:05Z"),
	)
	// One bad line in three is above the default abort ratio; this test is
	// about DLQ routing, not the discovery verdict.
	p.cfg.Pipeline.MaxParseErrorRatio = 0.5
	runID := identity.NewRunID()
	runStages(t, p, Options{RunID: runID}, []int{0, 1})

	messages, err := p.wh.SelectMessages(warehouse.TableStage1, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Errorf("expected 2 extracted messages, got %d", len(messages))
	}

	dlq, err := p.wh.SelectDLQ(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dlq) != 1 {
		t.Fatalf("expected 1 DLQ row, got %d", len(dlq))
	}
	if dlq[0].LineOffset != 2 {
		t.Errorf("DLQ line offset %d, want 2", dlq[0].LineOffset)
	}
	if dlq[0].Reason == "" {
		t.Error("DLQ row has no reason")
	}

	// Re-extracting the same run must replace DLQ rows, not grow them.
	runStages(t, p, Options{RunID: runID}, []int{0, 1})
	dlq, err = p.wh.SelectDLQ(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dlq) != 1 {
		t.Errorf("DLQ grew to %d rows after re-running the same run, want 1", len(dlq))
	}
}

func TestSummaryLineIsNotDeadLettered(t *testing.T) {
	p := newTestPipeline(t)
	writeSession(t, p, "sess_s.jsonl",
		`{"type":"summary","summary":"Debugging the ingest worker pool"}`,
		messageLine("user", "first message here", "2024-03-01T10:00:00Z"),
		messageLine("assistant", "second message here", "2024-03-01T10:00:05Z"),
	)
	runID := identity.NewRunID()
	runStages(t, p, Options{RunID: runID}, []int{0, 1})

	messages, err := p.wh.SelectMessages(warehouse.TableStage1, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Errorf("expected 2 extracted messages, got %d", len(messages))
	}
	dlq, err := p.wh.SelectDLQ(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dlq) != 0 {
		t.Errorf("summary line landed in the DLQ: %+v", dlq)
	}
}

func TestRerunSameRunIsIdempotent(t *testing.T) {
	p := newTestPipeline(t)
	writeSession(t, p, "sess_c.jsonl",
		messageLine("user", "please explain goroutines to me", "2024-03-02T09:00:00Z"),
		messageLine("assistant", "a goroutine is a lightweight thread managed by the runtime", "2024-03-02T09:00:03Z"),
	)
	runID := identity.NewRunID()
	opts := Options{RunID: runID}
	runStages(t, p, opts, localStages)

	before := make(map[string]int)
	for stage := 1; stage <= 15; stage++ {
		table, err := warehouse.StageTable(stage)
		if err != nil || table == "" {
			continue
		}
		before[table], _ = p.wh.CountRows(table, runID)
	}
	unifiedBefore, _ := p.wh.CountRows(warehouse.TableUnified, "")

	runStages(t, p, opts, localStages)

	for table, want := range before {
		got, _ := p.wh.CountRows(table, runID)
		if got != want {
			t.Errorf("table %s: %d rows after rerun, want %d", table, got, want)
		}
	}
	unifiedAfter, _ := p.wh.CountRows(warehouse.TableUnified, "")
	if unifiedAfter != unifiedBefore {
		t.Errorf("entity_unified grew from %d to %d on rerun", unifiedBefore, unifiedAfter)
	}

	// The second promotion reports everything as duplicate.
	st, err := p.RunStage(context.Background(), 16, opts)
	if err != nil {
		t.Fatal(err)
	}
	if st.Extra["promoted_entities"] != 0 {
		t.Errorf("rerun promoted %d entities", st.Extra["promoted_entities"])
	}
	if st.Extra["skipped_duplicates"] != st.Extra["eligible_entities"] {
		t.Errorf("expected all eligible skipped as duplicates: %+v", st.Extra)
	}
}

func TestRollbackAndRepromote(t *testing.T) {
	p := newTestPipeline(t)
	writeSession(t, p, "sess_d.jsonl",
		messageLine("user", "what is a channel in this language", "2024-03-03T08:00:00Z"),
		messageLine("assistant", "a channel is a typed conduit for values between goroutines", "2024-03-03T08:00:02Z"),
	)
	runID := identity.NewRunID()
	opts := Options{RunID: runID}
	runStages(t, p, opts, localStages)

	ids := func() map[string]bool {
		rows, err := p.wh.SelectUnified(warehouse.TableUnified, runID, "")
		if err != nil {
			t.Fatal(err)
		}
		set := make(map[string]bool, len(rows))
		for _, u := range rows {
			set[u.EntityID] = true
		}
		return set
	}

	original := ids()
	if len(original) == 0 {
		t.Fatal("nothing promoted")
	}

	deleted, err := p.wh.DeleteRun(warehouse.TableUnified, runID)
	if err != nil {
		t.Fatal(err)
	}
	if int(deleted) != len(original) {
		t.Errorf("rollback deleted %d rows, want %d", deleted, len(original))
	}
	if count, _ := p.wh.CountRows(warehouse.TableUnified, runID); count != 0 {
		t.Fatalf("rollback left %d rows", count)
	}

	// Re-promotion restores exactly the same entity ids.
	runStages(t, p, opts, []int{16})
	restored := ids()
	if len(restored) != len(original) {
		t.Fatalf("re-promotion produced %d entities, want %d", len(restored), len(original))
	}
	for id := range original {
		if !restored[id] {
			t.Errorf("entity %s not restored", id)
		}
	}
}

func TestInvalidCandidateIsNotPromoted(t *testing.T) {
	p := newTestPipeline(t)
	writeSession(t, p, "sess_e.jsonl",
		messageLine("user", "short question about testing", "2024-03-04T07:00:00Z"),
	)
	runID := identity.NewRunID()
	opts := Options{RunID: runID}
	runStages(t, p, opts, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 11, 12, 13, 14})

	// Inject a candidate with no identity.
	bad := entity.UnifiedRow{
		EntityID:       "",
		SourceName:     entity.SourceName,
		SourcePipeline: entity.SourcePipeline,
		Level:          entity.LevelMessage,
		Text:           "orphan",
		SessionID:      "sess_e",
		CreatedAt:      time.Now().UTC(),
		RunID:          runID,
	}
	if err := p.wh.InsertUnified(warehouse.TableStage14, []entity.UnifiedRow{bad}); err != nil {
		t.Fatal(err)
	}

	runStages(t, p, opts, []int{15, 16})

	failed, err := p.wh.SelectUnified(warehouse.TableStage15, runID, entity.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 FAILED candidate, got %d", len(failed))
	}
	if failed[0].ValidationScore >= 1.0 {
		t.Errorf("FAILED candidate scored %.2f", failed[0].ValidationScore)
	}

	promoted, err := p.wh.SelectUnified(warehouse.TableUnified, runID, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range promoted {
		if u.EntityID == "" {
			t.Error("invalid candidate was promoted")
		}
	}
}

func TestContractBreachRecordsSignal(t *testing.T) {
	p := newTestPipeline(t)
	writeSession(t, p, "sess_f.jsonl",
		messageLine("user", "short question about testing", "2024-03-05T07:00:00Z"),
	)
	runID := identity.NewRunID()
	opts := Options{RunID: runID}
	runStages(t, p, opts, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 11, 12, 13, 14})

	bad := entity.UnifiedRow{
		EntityID:       "",
		SourceName:     entity.SourceName,
		SourcePipeline: entity.SourcePipeline,
		Level:          entity.LevelMessage,
		Text:           "orphan",
		SessionID:      "sess_f",
		CreatedAt:      time.Now().UTC(),
		RunID:          runID,
	}
	if err := p.wh.InsertUnified(warehouse.TableStage14, []entity.UnifiedRow{bad}); err != nil {
		t.Fatal(err)
	}

	runStages(t, p, opts, []int{15})

	signals, err := p.wh.SelectSignals(runID, 15)
	if err != nil {
		t.Fatal(err)
	}
	var breaches []entity.Signal
	for _, s := range signals {
		if s.SignalType == SignalContractBreach {
			breaches = append(breaches, s)
		}
	}
	if len(breaches) == 0 {
		t.Fatal("expected a contract breach signal for the identity-less candidate")
	}
	found := false
	for _, s := range breaches {
		if strings.Contains(s.Message, "entity_id") {
			found = true
		}
	}
	if !found {
		t.Errorf("no breach signal names entity_id: %+v", breaches)
	}
}

func TestMissingUpstreamFailsFast(t *testing.T) {
	p := newTestPipeline(t)
	runID := identity.NewRunID()

	_, err := p.RunStage(context.Background(), 3, Options{RunID: runID})
	if err == nil {
		t.Fatal("gate ran without stage 2 output")
	}
}
