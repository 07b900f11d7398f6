// Package warehouse wraps the SQLite warehouse that every pipeline stage
// reads from and writes to. The pipeline is the sole writer of the stage
// tables and of entity_unified; all writes are append-only per (stage,
// run_id) and rollback deletes by run_id.
package warehouse

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"entpipe/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB wraps the SQLite warehouse connection.
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	vecDim       int // embedding dimension of entity_vec (0 = not yet created)
}

// Open opens or creates the warehouse database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	w := &DB{db: db, path: path}
	if err := w.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Debug("warehouse", "sqlite-vec not available, embedding index disabled: %v", err)
	} else {
		logging.Debug("warehouse", "sqlite-vec %s loaded", vecVersion)
		w.vecAvailable = true
	}

	return w, nil
}

// Close closes the database connection.
func (w *DB) Close() error {
	return w.db.Close()
}

// Path returns the database file path.
func (w *DB) Path() string {
	return w.path
}

// SQL exposes the underlying connection for the event store and provenance
// ledger, which share the warehouse database.
func (w *DB) SQL() *sql.DB {
	return w.db
}

// bitemporalColumns are appended to every stage table: system_time is when
// the pipeline recorded the row, valid_time when the content occurred in the
// domain, valid_to bounds time-travel queries (NULL = still valid).
const bitemporalColumns = `
	valid_time DATETIME,
	system_time DATETIME,
	valid_to DATETIME`

// messageTableSchema returns the shared DDL for the message-shaped stage
// tables (stages 1-4). Columns accrete downstream but the shape is stable:
// stage 1 leaves entity_id and the cleaning fields NULL.
func messageTableSchema(name string) string {
	return `
	CREATE TABLE IF NOT EXISTS ` + name + ` (
		extraction_id TEXT NOT NULL,
		entity_id TEXT,
		session_id TEXT NOT NULL,
		message_index INTEGER NOT NULL,
		message_type TEXT NOT NULL,
		role TEXT,
		content TEXT,
		content_length INTEGER,
		word_count INTEGER,
		timestamp DATETIME,
		timestamp_utc DATETIME,
		model TEXT,
		cost_usd REAL,
		tool_name TEXT,
		tool_input TEXT,
		tool_output TEXT,
		source_file TEXT NOT NULL,
		content_date TEXT,
		fingerprint TEXT NOT NULL,
		is_duplicate INTEGER DEFAULT 0,
		extracted_at DATETIME NOT NULL,
		cleaned_at DATETIME,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (extraction_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_` + name + `_run ON ` + name + `(run_id);
	CREATE INDEX IF NOT EXISTS idx_` + name + `_session ON ` + name + `(session_id);`
}

// unifiedTableSchema returns the DDL for the denormalized candidate tables
// (stages 14 and 15) and, with a primary key on entity_id alone, for
// entity_unified itself.
func unifiedTableSchema(name, primaryKey string) string {
	return `
	CREATE TABLE IF NOT EXISTS ` + name + ` (
		entity_id TEXT NOT NULL,
		parent_id TEXT,
		source_name TEXT NOT NULL,
		source_pipeline TEXT NOT NULL,
		level INTEGER NOT NULL,
		text TEXT,
		role TEXT,
		message_type TEXT,
		message_index INTEGER,
		sentence_index INTEGER,
		word_count INTEGER,
		char_count INTEGER,
		model TEXT,
		cost_usd REAL,
		tool_name TEXT,
		embedding BLOB,
		primary_emotion TEXT,
		primary_emotion_score REAL,
		intent TEXT,
		task_type TEXT,
		complexity TEXT,
		top_keyword TEXT,
		keywords BLOB,
		child_count INTEGER DEFAULT 0,
		message_count INTEGER DEFAULT 0,
		user_message_count INTEGER DEFAULT 0,
		assistant_message_count INTEGER DEFAULT 0,
		total_word_count INTEGER DEFAULT 0,
		session_id TEXT,
		content_date TEXT,
		timestamp_utc DATETIME,
		created_at DATETIME NOT NULL,
		run_id TEXT NOT NULL,
		validation_status TEXT,
		validation_score REAL,
		validation_errors BLOB,
		validation_warnings BLOB,
		promoted_at DATETIME,` + bitemporalColumns + `,
		PRIMARY KEY (` + primaryKey + `)
	);
	CREATE INDEX IF NOT EXISTS idx_` + name + `_run ON ` + name + `(run_id);
	CREATE INDEX IF NOT EXISTS idx_` + name + `_level ON ` + name + `(level);`
}

// migrate creates the warehouse schema.
func (w *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	` +
		messageTableSchema(TableStage1) +
		messageTableSchema(TableStage2) +
		messageTableSchema(TableStage3) +
		messageTableSchema(TableStage4) + `

	CREATE TABLE IF NOT EXISTS ` + TableStage1DLQ + ` (
		dlq_id TEXT NOT NULL,
		source_file TEXT NOT NULL,
		line_offset INTEGER NOT NULL,
		raw_line TEXT,
		reason TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		run_id TEXT NOT NULL,
		PRIMARY KEY (dlq_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_dlq_run ON ` + TableStage1DLQ + `(run_id);

	-- L8 conversations
	CREATE TABLE IF NOT EXISTS ` + TableStage5 + ` (
		entity_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		message_count INTEGER NOT NULL,
		user_message_count INTEGER NOT NULL,
		assistant_message_count INTEGER NOT NULL,
		tool_use_count INTEGER NOT NULL,
		total_word_count INTEGER NOT NULL,
		total_char_count INTEGER NOT NULL,
		total_cost_usd REAL NOT NULL,
		first_message_at DATETIME,
		last_message_at DATETIME,
		models_used BLOB,
		tools_used BLOB,
		content_date TEXT,
		created_at DATETIME NOT NULL,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (entity_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stage5_run ON ` + TableStage5 + `(run_id);
	CREATE INDEX IF NOT EXISTS idx_stage5_session ON ` + TableStage5 + `(session_id);

	-- L4 sentences
	CREATE TABLE IF NOT EXISTS ` + TableStage6 + ` (
		entity_id TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		sentence_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		start_char INTEGER NOT NULL,
		end_char INTEGER NOT NULL,
		word_count INTEGER NOT NULL,
		created_at DATETIME NOT NULL,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (entity_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stage6_run ON ` + TableStage6 + `(run_id);
	CREATE INDEX IF NOT EXISTS idx_stage6_parent ON ` + TableStage6 + `(parent_id);

	-- canonical L5 messages
	CREATE TABLE IF NOT EXISTS ` + TableStage7 + ` (
		entity_id TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		message_index INTEGER NOT NULL,
		message_type TEXT NOT NULL,
		role TEXT,
		text TEXT,
		char_count INTEGER,
		word_count INTEGER,
		model TEXT,
		cost_usd REAL,
		tool_name TEXT,
		timestamp_utc DATETIME,
		fingerprint TEXT NOT NULL,
		content_date TEXT,
		created_at DATETIME NOT NULL,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (entity_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stage7_run ON ` + TableStage7 + `(run_id);
	CREATE INDEX IF NOT EXISTS idx_stage7_session ON ` + TableStage7 + `(session_id);

	-- L3 spans
	CREATE TABLE IF NOT EXISTS ` + TableStage8 + ` (
		entity_id TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		span_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		word_count INTEGER NOT NULL,
		created_at DATETIME NOT NULL,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (entity_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stage8_run ON ` + TableStage8 + `(run_id);

	-- embeddings
	CREATE TABLE IF NOT EXISTS ` + TableStage9 + ` (
		entity_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		embedding BLOB NOT NULL,
		embedding_model TEXT NOT NULL,
		was_truncated INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (entity_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stage9_run ON ` + TableStage9 + `(run_id);

	-- LLM extractions
	CREATE TABLE IF NOT EXISTS ` + TableStage10 + ` (
		entity_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		intent TEXT,
		task_type TEXT,
		code_languages BLOB,
		complexity TEXT,
		has_code_block INTEGER DEFAULT 0,
		model TEXT,
		created_at DATETIME NOT NULL,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (entity_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stage10_run ON ` + TableStage10 + `(run_id);

	-- sentiment
	CREATE TABLE IF NOT EXISTS ` + TableStage11 + ` (
		entity_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		primary_emotion TEXT NOT NULL,
		primary_emotion_score REAL NOT NULL,
		all_emotion_scores BLOB,
		emotions_detected BLOB,
		created_at DATETIME NOT NULL,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (entity_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stage11_run ON ` + TableStage11 + `(run_id);

	-- keywords
	CREATE TABLE IF NOT EXISTS ` + TableStage12 + ` (
		entity_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		keywords BLOB,
		top_keyword TEXT,
		top_keyword_score REAL,
		created_at DATETIME NOT NULL,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (entity_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stage12_run ON ` + TableStage12 + `(run_id);

	-- relationships
	CREATE TABLE IF NOT EXISTS ` + TableStage13 + ` (
		relationship_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		strength REAL DEFAULT 1.0,
		confidence REAL DEFAULT 1.0,
		session_id TEXT,
		created_at DATETIME NOT NULL,` + bitemporalColumns + `,
		run_id TEXT NOT NULL,
		PRIMARY KEY (relationship_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stage13_run ON ` + TableStage13 + `(run_id);
	CREATE INDEX IF NOT EXISTS idx_stage13_source ON ` + TableStage13 + `(source_id);
	CREATE INDEX IF NOT EXISTS idx_stage13_type ON ` + TableStage13 + `(relationship_type);
	` +
		unifiedTableSchema(TableStage14, "entity_id, run_id") +
		unifiedTableSchema(TableStage15, "entity_id, run_id") +
		unifiedTableSchema(TableUnified, "entity_id") + `

	-- append-only per-entity event log
	CREATE TABLE IF NOT EXISTS ` + TableEventStore + ` (
		event_id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data BLOB,
		previous_event_id TEXT,
		causal_chain BLOB,
		stage INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		system_time DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_entity ON ` + TableEventStore + `(entity_id);
	CREATE INDEX IF NOT EXISTS idx_events_run ON ` + TableEventStore + `(run_id);

	-- append-only provenance ledger
	CREATE TABLE IF NOT EXISTS ` + TableProvenance + ` (
		provenance_id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		stage INTEGER NOT NULL,
		input_hash TEXT NOT NULL,
		output_hash TEXT NOT NULL,
		transformation TEXT NOT NULL,
		params BLOB,
		parent_provenance_id TEXT,
		run_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prov_entity ON ` + TableProvenance + `(entity_id);
	CREATE INDEX IF NOT EXISTS idx_prov_run ON ` + TableProvenance + `(run_id);

	-- data contract registry
	CREATE TABLE IF NOT EXISTS ` + TableContracts + ` (
		contract_id TEXT PRIMARY KEY,
		stage INTEGER NOT NULL,
		schema_version TEXT NOT NULL,
		definition BLOB NOT NULL,
		compatibility TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- structured error signals
	CREATE TABLE IF NOT EXISTS ` + TableSignals + ` (
		signal_id TEXT PRIMARY KEY,
		stage INTEGER NOT NULL,
		entity_id TEXT,
		signal_type TEXT NOT NULL,
		message TEXT NOT NULL,
		run_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_signals_run ON ` + TableSignals + `(run_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := w.db.Exec(schema)
	return err
}

// ensureVecTable creates the entity_vec virtual table for the given
// embedding dimension and is a no-op when sqlite-vec is unavailable or the
// table already exists with that dimension.
func (w *DB) ensureVecTable(dim int) error {
	if !w.vecAvailable {
		return nil
	}
	if w.vecDim == dim {
		return nil
	}
	if w.vecDim != 0 && w.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, w.vecDim)
	}
	_, err := w.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entity_vec USING vec0(
			embedding float[%d],
			+entity_id TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create entity_vec(float[%d]): %w", dim, err)
	}
	w.vecDim = dim
	return nil
}

// Stats returns per-table row counts.
func (w *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	for _, table := range AllTables() {
		var count int
		if err := w.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
