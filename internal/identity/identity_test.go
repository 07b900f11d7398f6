package identity

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestMessageIDFromGUID_Deterministic(t *testing.T) {
	a := MessageIDFromGUID("parent1", "guid1", "fp1")
	b := MessageIDFromGUID("parent1", "guid1", "fp1")
	if a != b {
		t.Errorf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != EntityIDLen {
		t.Errorf("expected %d chars, got %d", EntityIDLen, len(a))
	}
	if !ValidEntityID(a) {
		t.Errorf("id %q is not canonical", a)
	}

	c := MessageIDFromGUID("parent1", "guid2", "fp1")
	if a == c {
		t.Error("different guids produced the same id")
	}
}

func TestMessageIDFromGUID_NoCollisions(t *testing.T) {
	if testing.Short() {
		t.Skip("collision sweep skipped in short mode")
	}
	seen := make(map[string]string, 100000)
	for i := 0; i < 100000; i++ {
		guid := fmt.Sprintf("guid-%d", i)
		id := MessageIDFromGUID("parent", guid, "fp")
		if prev, ok := seen[id]; ok {
			t.Fatalf("collision: %s and %s both map to %s", prev, guid, id)
		}
		seen[id] = guid
	}
}

func TestConversationID_HashNotPassthrough(t *testing.T) {
	sessionID := "abcdef0123456789"
	id := ConversationID(sessionID)
	if id == sessionID {
		t.Error("conversation id must be a hash, not the session id")
	}
	if !ValidEntityID(id) {
		t.Errorf("conversation id %q is not canonical", id)
	}
	if id != ConversationID(sessionID) {
		t.Error("conversation id is not deterministic")
	}
}

func TestSentenceAndSpanIDs(t *testing.T) {
	parent := MessageIDFromGUID("p", "g", "f")
	if SentenceID(parent, 0) == SentenceID(parent, 1) {
		t.Error("different sentence indexes produced the same id")
	}
	if SentenceID(parent, 3) == SpanID(parent, 3) {
		t.Error("sentence and span ids share a namespace")
	}
}

func TestRelationshipID_Length(t *testing.T) {
	id := RelationshipID("src", "tgt", "REPLIES_TO")
	if len(id) != 16 {
		t.Errorf("expected 16 chars, got %d", len(id))
	}
	if id == RelationshipID("tgt", "src", "REPLIES_TO") {
		t.Error("edge direction must change the id")
	}
}

func TestFingerprint_UsesContentHead(t *testing.T) {
	long := strings.Repeat("x", 100)
	a := Fingerprint("sess", 0, long+"tail-one")
	b := Fingerprint("sess", 0, long+"tail-two")
	if a != b {
		t.Error("fingerprint should only cover the first 100 bytes of content")
	}
	c := Fingerprint("sess", 1, long+"tail-one")
	if a == c {
		t.Error("message index must change the fingerprint")
	}
}

func TestDLQID_Deterministic(t *testing.T) {
	a := DLQID("sess", 2)
	b := DLQID("sess", 2)
	if a != b {
		t.Errorf("same line produced different DLQ ids: %s vs %s", a, b)
	}
	if a == DLQID("sess", 3) {
		t.Error("different lines share a DLQ id")
	}
}

func TestNewRunID(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	if a == b {
		t.Error("run ids must be unique")
	}
	if !strings.HasPrefix(a, "run_") {
		t.Errorf("unexpected run id format: %s", a)
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	id := MessageIDFromGUID("p", "g", "f")
	if err := r.Register(id); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := r.Register(id)
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
	if r.Size() != 1 {
		t.Errorf("expected size 1, got %d", r.Size())
	}
}

func TestRegistry_RejectsMalformedIDs(t *testing.T) {
	r := NewRegistry()
	for _, bad := range []string{"", "short", strings.Repeat("Z", 32), strings.Repeat("a", 33)} {
		if err := r.Register(bad); err == nil {
			t.Errorf("registered malformed id %q", bad)
		}
	}
}
