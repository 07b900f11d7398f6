// Package identity generates the stable identifiers used across the
// pipeline. All entity ids are deterministic truncations of SHA-256 digests
// over a stable input tuple, so re-extraction of the same underlying content
// yields the same id. The Registry enforces in-run uniqueness at The Gate.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntityIDLen is the canonical entity id length (lowercase hex chars).
const EntityIDLen = 32

// entityIDPattern matches a canonical 32-char lowercase hex entity id.
var entityIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// ErrDuplicateID is returned when an entity id is registered twice within a
// single run. Duplicate registration is a hard integrity error.
var ErrDuplicateID = errors.New("duplicate entity id")

// hashHex returns the first n hex chars of the SHA-256 digest of content.
func hashHex(content string, n int) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:n]
}

// MessageIDFromGUID generates the canonical L5 entity id for a message from
// its parent, source GUID, and content fingerprint. Pure: same inputs always
// produce the same 32-char hex id.
func MessageIDFromGUID(parentID, guid, fingerprint string) string {
	return hashHex(fmt.Sprintf("msg:%s:%s:%s", parentID, guid, fingerprint), EntityIDLen)
}

// ConversationID generates the L8 conversation entity id for a session.
// The hash convention is canonical; session_id is never used as an entity id
// directly.
func ConversationID(sessionID string) string {
	return hashHex("conv:claude_code:"+sessionID, EntityIDLen)
}

// SentenceID generates the L4 sentence entity id from the parent message id
// and the zero-based sentence index.
func SentenceID(parentID string, index int) string {
	return hashHex(fmt.Sprintf("sent:%s:%04d", parentID, index), EntityIDLen)
}

// SpanID generates the L3 span entity id from the parent id and span index.
func SpanID(parentID string, index int) string {
	return hashHex(fmt.Sprintf("span:%s:%04d", parentID, index), EntityIDLen)
}

// TokenID generates the L2 token entity id from the parent id and token index.
func TokenID(parentID string, index int) string {
	return hashHex(fmt.Sprintf("token:%s:%04d", parentID, index), EntityIDLen)
}

// RelationshipID generates the stable edge id for a typed relationship.
// 16 hex chars; relationships are edges, not entities.
func RelationshipID(sourceID, targetID, relType string) string {
	return hashHex(fmt.Sprintf("rel:%s:%s:%s", sourceID, targetID, relType), 16)
}

// SessionID derives the session id from the source file path.
func SessionID(path string) string {
	return hashHex(path, 16)
}

// Fingerprint creates the deduplication fingerprint for a message: a hash
// over (session_id, message_index, leading content). Only the first 100
// bytes of content participate, matching the extraction contract.
func Fingerprint(sessionID string, index int, content string) string {
	head := content
	if len(head) > 100 {
		head = head[:100]
	}
	return hashHex(fmt.Sprintf("%s:%d:%s", sessionID, index, head), EntityIDLen)
}

// ExtractionID builds the stage 1 extraction id for a message row.
func ExtractionID(sessionID string, index int, fingerprint string) string {
	return fmt.Sprintf("ext:%s:%d:%s", sessionID, index, fingerprint[:8])
}

// DLQID builds the dead-letter row id for one rejected line. A line is
// identified by where it came from, so re-extracting the same run replaces
// its DLQ rows instead of accumulating duplicates.
func DLQID(sessionID string, lineOffset int) string {
	return fmt.Sprintf("dlq:%s:%d", sessionID, lineOffset)
}

// SignalID builds an id for a pipeline signal row.
func SignalID(stage int, entityID string) string {
	return fmt.Sprintf("sig:%d:%s:%s", stage, hashHex(entityID, 8), uuid.NewString()[:8])
}

// EventID builds a deterministic event store id.
func EventID(entityID, eventType string, at time.Time) string {
	return hashHex(fmt.Sprintf("event:%s:%s:%s", entityID, eventType, at.UTC().Format(time.RFC3339Nano)), EntityIDLen)
}

// ProvenanceID builds a provenance ledger row id.
func ProvenanceID(entityID string, stage int, at time.Time) string {
	return hashHex(fmt.Sprintf("prov:%s:%d:%s", entityID, stage, at.UTC().Format(time.RFC3339Nano)), EntityIDLen)
}

// NewRunID generates a globally unique, recency-sortable run id:
// run_<UTC timestamp>_<8 uuid chars>. Every pipeline write carries it and
// rollback is scoped by it.
func NewRunID() string {
	return fmt.Sprintf("run_%s_%s", time.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// ValidEntityID reports whether id is a canonical 32-char lowercase hex id.
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// Registry tracks entity ids issued within a single run. The uniqueness
// check is local to the run; cross-run deduplication happens at promotion.
type Registry struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewRegistry creates an empty per-run identity registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]struct{})}
}

// Register records an entity id, failing if it was already registered in
// this run.
func (r *Registry) Register(id string) error {
	if !ValidEntityID(id) {
		return fmt.Errorf("invalid entity id %q: want %d lowercase hex chars", id, EntityIDLen)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.seen[id] = struct{}{}
	return nil
}

// Has reports whether id was registered in this run.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[id]
	return ok
}

// Size returns the number of ids registered so far.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
