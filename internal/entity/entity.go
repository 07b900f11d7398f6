// Package entity defines the hierarchical entity model shared by every
// pipeline stage: the 12-level taxonomy, per-stage row types, and the
// validation/relationship vocabularies.
package entity

import "time"

// Source identification carried on every derived row.
const (
	SourceName     = "claude_code"
	SourcePipeline = "claude_code_pipeline"
)

// Hierarchy levels. The full taxonomy spans L1 (corpus) to L12 (primitive);
// this adapter emits the subset below.
const (
	LevelToken        = 2 // L2: token
	LevelSpan         = 3 // L3: span (clause-level)
	LevelSentence     = 4 // L4: sentence
	LevelMessage      = 5 // L5: message
	LevelTurn         = 6 // L6: turn
	LevelConversation = 8 // L8: conversation
)

// UsedLevels is the set of levels this adapter may emit, in ascending order.
var UsedLevels = []int{LevelToken, LevelSpan, LevelSentence, LevelMessage, LevelTurn, LevelConversation}

// ValidLevel reports whether level is one this adapter emits.
func ValidLevel(level int) bool {
	for _, l := range UsedLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Validation statuses computed at stage 15.
const (
	StatusPassed  = "PASSED"
	StatusWarning = "WARNING"
	StatusFailed  = "FAILED"
)

// Relationship types emitted at stage 13.
const (
	RelParentChild = "parent_child"
	RelRepliesTo   = "REPLIES_TO"
	RelContinues   = "CONTINUES"
)

// Message roles accepted by the extraction envelope.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// MessageRow is the message-shaped record that flows through stages 1-4 and
// is re-emitted as the canonical L5 entity at stage 7. Fields accrete as the
// row moves downstream: stage 1 fills extraction fields, stage 2 cleaning
// fields, stage 3 the entity_id, stage 4 the corrected text.
type MessageRow struct {
	ExtractionID  string     `json:"extraction_id"`
	EntityID      string     `json:"entity_id,omitempty"` // assigned at stage 3 (The Gate)
	ParentID      string     `json:"parent_id,omitempty"` // conversation entity, set at stage 7
	SessionID     string     `json:"session_id"`
	MessageIndex  int        `json:"message_index"`
	MessageType   string     `json:"message_type"`
	Role          string     `json:"role,omitempty"`
	Content       string     `json:"content"`
	ContentLength int        `json:"content_length"`
	WordCount     int        `json:"word_count"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	TimestampUTC  *time.Time `json:"timestamp_utc,omitempty"`
	Model         string     `json:"model,omitempty"`
	CostUSD       float64    `json:"cost_usd,omitempty"`
	ToolName      string     `json:"tool_name,omitempty"`
	ToolInput     string     `json:"tool_input,omitempty"`
	ToolOutput    string     `json:"tool_output,omitempty"`
	SourceFile    string     `json:"source_file"`
	ContentDate   string     `json:"content_date,omitempty"` // YYYY-MM-DD
	Fingerprint   string     `json:"fingerprint"`
	IsDuplicate   bool       `json:"is_duplicate"`
	ExtractedAt   time.Time  `json:"extracted_at"`
	CleanedAt     *time.Time `json:"cleaned_at,omitempty"`
	RunID         string     `json:"run_id"`
}

// DLQRow records a source line that could not be extracted. Routed to the
// stage 1 dead-letter table instead of aborting the stage.
type DLQRow struct {
	DLQID      string    `json:"dlq_id"`
	SourceFile string    `json:"source_file"`
	LineOffset int       `json:"line_offset"` // 1-based line number in the source file
	RawLine    string    `json:"raw_line"`
	Reason     string    `json:"reason"`
	RunID      string    `json:"run_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConversationRow is the L8 aggregate emitted at stage 5.
type ConversationRow struct {
	EntityID              string     `json:"entity_id"`
	SessionID             string     `json:"session_id"`
	Level                 int        `json:"level"` // always LevelConversation
	MessageCount          int        `json:"message_count"`
	UserMessageCount      int        `json:"user_message_count"`
	AssistantMessageCount int        `json:"assistant_message_count"`
	ToolUseCount          int        `json:"tool_use_count"`
	TotalWordCount        int        `json:"total_word_count"`
	TotalCharCount        int        `json:"total_char_count"`
	TotalCostUSD          float64    `json:"total_cost_usd"`
	FirstMessageAt        *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt         *time.Time `json:"last_message_at,omitempty"`
	ModelsUsed            []string   `json:"models_used,omitempty"`
	ToolsUsed             []string   `json:"tools_used,omitempty"`
	ContentDate           string     `json:"content_date,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	RunID                 string     `json:"run_id"`
}

// SentenceRow is an L4 sentence emitted at stage 6. Parent is the L5 message.
type SentenceRow struct {
	EntityID      string    `json:"entity_id"`
	ParentID      string    `json:"parent_id"`
	SessionID     string    `json:"session_id"`
	Level         int       `json:"level"` // LevelSentence for this adapter
	SentenceIndex int       `json:"sentence_index"`
	Text          string    `json:"text"`
	StartChar     int       `json:"start_char"`
	EndChar       int       `json:"end_char"`
	WordCount     int       `json:"word_count"`
	CreatedAt     time.Time `json:"created_at"`
	RunID         string    `json:"run_id"`
}

// SpanRow is an L3 clause-level span emitted at stage 8. Parent is the
// containing L5 message.
type SpanRow struct {
	EntityID  string    `json:"entity_id"`
	ParentID  string    `json:"parent_id"`
	SessionID string    `json:"session_id"`
	Level     int       `json:"level"` // always LevelSpan
	SpanIndex int       `json:"span_index"`
	Text      string    `json:"text"`
	WordCount int       `json:"word_count"`
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id"`
}

// EmbeddingRow attaches a vector to an existing entity (stage 9).
type EmbeddingRow struct {
	EntityID     string    `json:"entity_id"`
	SessionID    string    `json:"session_id"`
	Embedding    []float64 `json:"embedding"`
	Model        string    `json:"embedding_model"`
	WasTruncated bool      `json:"was_truncated"`
	CreatedAt    time.Time `json:"created_at"`
	RunID        string    `json:"run_id"`
}

// ExtractionRow holds the structured LLM extraction for a message (stage 10).
// Fields stay empty when the extraction failed and a signal was recorded.
type ExtractionRow struct {
	EntityID      string    `json:"entity_id"`
	SessionID     string    `json:"session_id"`
	Intent        string    `json:"intent,omitempty"`
	TaskType      string    `json:"task_type,omitempty"`
	CodeLanguages []string  `json:"code_languages,omitempty"`
	Complexity    string    `json:"complexity,omitempty"`
	HasCodeBlock  bool      `json:"has_code_block"`
	Model         string    `json:"model,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	RunID         string    `json:"run_id"`
}

// SentimentRow holds the emotion classification for a message (stage 11).
type SentimentRow struct {
	EntityID            string             `json:"entity_id"`
	SessionID           string             `json:"session_id"`
	PrimaryEmotion      string             `json:"primary_emotion"`
	PrimaryEmotionScore float64            `json:"primary_emotion_score"`
	AllEmotionScores    map[string]float64 `json:"all_emotion_scores"`
	EmotionsDetected    []string           `json:"emotions_detected,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	RunID               string             `json:"run_id"`
}

// Keyword is a single scored keyword.
type Keyword struct {
	Keyword string  `json:"keyword"`
	Score   float64 `json:"score"`
}

// KeywordRow holds the top-N keywords for a message (stage 12).
type KeywordRow struct {
	EntityID        string    `json:"entity_id"`
	SessionID       string    `json:"session_id"`
	Keywords        []Keyword `json:"keywords"`
	TopKeyword      string    `json:"top_keyword,omitempty"`
	TopKeywordScore float64   `json:"top_keyword_score,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	RunID           string    `json:"run_id"`
}

// RelationshipRow is a typed edge between two entity ids (stage 13).
type RelationshipRow struct {
	RelationshipID   string    `json:"relationship_id"`
	SourceID         string    `json:"source_id"`
	TargetID         string    `json:"target_id"`
	RelationshipType string    `json:"relationship_type"`
	Strength         float64   `json:"strength"`
	Confidence       float64   `json:"confidence"`
	SessionID        string    `json:"session_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	RunID            string    `json:"run_id"`
}

// UnifiedRow is the denormalized candidate built at stage 14, scored at
// stage 15, and promoted into entity_unified at stage 16. It is the superset
// row shape of the canonical read target.
type UnifiedRow struct {
	EntityID       string  `json:"entity_id"`
	ParentID       string  `json:"parent_id,omitempty"`
	SourceName     string  `json:"source_name"`
	SourcePipeline string  `json:"source_pipeline"`
	Level          int     `json:"level"`
	Text           string  `json:"text,omitempty"`
	Role           string  `json:"role,omitempty"`
	MessageType    string  `json:"message_type,omitempty"`
	MessageIndex   *int    `json:"message_index,omitempty"`
	SentenceIndex  *int    `json:"sentence_index,omitempty"`
	WordCount      *int    `json:"word_count,omitempty"`
	CharCount      *int    `json:"char_count,omitempty"`
	Model          string  `json:"model,omitempty"`
	CostUSD        float64 `json:"cost_usd,omitempty"`
	ToolName       string  `json:"tool_name,omitempty"`

	// Enrichments joined at stage 14.
	Embedding           []float64 `json:"embedding,omitempty"`
	PrimaryEmotion      string    `json:"primary_emotion,omitempty"`
	PrimaryEmotionScore float64   `json:"primary_emotion_score,omitempty"`
	Intent              string    `json:"intent,omitempty"`
	TaskType            string    `json:"task_type,omitempty"`
	Complexity          string    `json:"complexity,omitempty"`
	TopKeyword          string    `json:"top_keyword,omitempty"`
	Keywords            []Keyword `json:"keywords,omitempty"`

	// Rollups (L8 rows).
	ChildCount            int `json:"child_count,omitempty"`
	MessageCount          int `json:"message_count,omitempty"`
	UserMessageCount      int `json:"user_message_count,omitempty"`
	AssistantMessageCount int `json:"assistant_message_count,omitempty"`
	TotalWordCount        int `json:"total_word_count,omitempty"`

	SessionID    string     `json:"session_id"`
	ContentDate  string     `json:"content_date,omitempty"`
	TimestampUTC *time.Time `json:"timestamp_utc,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RunID        string     `json:"run_id"`

	// Stage 15 output.
	ValidationStatus   string   `json:"validation_status,omitempty"`
	ValidationScore    float64  `json:"validation_score,omitempty"`
	ValidationErrors   []string `json:"validation_errors,omitempty"`
	ValidationWarnings []string `json:"validation_warnings,omitempty"`

	// Stage 16 output.
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
}

// Signal is a structured error row recorded when an external call exhausts
// its retry budget or returns an unparseable response. Signals make skipped
// work observable without failing the batch.
type Signal struct {
	SignalID   string    `json:"signal_id"`
	Stage      int       `json:"stage"`
	EntityID   string    `json:"entity_id,omitempty"`
	SignalType string    `json:"signal_type"`
	Message    string    `json:"message"`
	RunID      string    `json:"run_id"`
	CreatedAt  time.Time `json:"created_at"`
}
