package warehouse

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"entpipe/internal/entity"
	"entpipe/internal/logging"
)

// jsonBlob marshals v for BLOB storage. nil input stores NULL.
func jsonBlob(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// fromJSONBlob unmarshals a BLOB column into v, tolerating NULL.
func fromJSONBlob(b []byte, v any) {
	if len(b) == 0 {
		return
	}
	if err := json.Unmarshal(b, v); err != nil {
		logging.Debug("warehouse", "blob decode failed: %v", err)
	}
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	n := int(ni.Int64)
	return &n
}

// withTx runs fn inside a transaction. Stage writes are batched this way so
// a failed batch leaves no partial rows.
func (w *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// messageRowValidTime picks the domain time for a message row.
func messageRowValidTime(m *entity.MessageRow) any {
	if m.TimestampUTC != nil {
		return m.TimestampUTC.UTC()
	}
	return m.ExtractedAt.UTC()
}

// InsertMessages writes message-shaped rows into one of the stage 1-4
// tables. Re-inserting the same (extraction_id, run_id) replaces the row, so
// stage re-runs are idempotent per run.
func (w *DB) InsertMessages(table string, rows []entity.MessageRow) error {
	if err := checkIdentifier("table", table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + table + ` (
				extraction_id, entity_id, session_id, message_index, message_type,
				role, content, content_length, word_count, timestamp, timestamp_utc,
				model, cost_usd, tool_name, tool_input, tool_output, source_file,
				content_date, fingerprint, is_duplicate, extracted_at, cleaned_at,
				valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", table, err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for i := range rows {
			m := &rows[i]
			if _, err := stmt.Exec(
				m.ExtractionID, nullStr(m.EntityID), m.SessionID, m.MessageIndex, m.MessageType,
				nullStr(m.Role), m.Content, m.ContentLength, m.WordCount, nullTime(m.Timestamp), nullTime(m.TimestampUTC),
				nullStr(m.Model), m.CostUSD, nullStr(m.ToolName), nullStr(m.ToolInput), nullStr(m.ToolOutput), m.SourceFile,
				nullStr(m.ContentDate), m.Fingerprint, m.IsDuplicate, m.ExtractedAt.UTC(), nullTime(m.CleanedAt),
				messageRowValidTime(m), systemTime, m.RunID,
			); err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
		}
		return nil
	})
}

// SelectMessages reads message rows for a run from one of the stage 1-4
// tables, ordered by (session_id, message_index) for deterministic
// downstream processing.
func (w *DB) SelectMessages(table, runID string) ([]entity.MessageRow, error) {
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT extraction_id, entity_id, session_id, message_index, message_type,
			role, content, content_length, word_count, timestamp, timestamp_utc,
			model, cost_usd, tool_name, tool_input, tool_output, source_file,
			content_date, fingerprint, is_duplicate, extracted_at, cleaned_at, run_id
		FROM `+table+`
		WHERE run_id = ?
		ORDER BY session_id, message_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []entity.MessageRow
	for rows.Next() {
		var m entity.MessageRow
		var entityID, role, model, toolName, toolInput, toolOutput, contentDate sql.NullString
		var content sql.NullString
		var contentLength, wordCount sql.NullInt64
		var costUSD sql.NullFloat64
		var ts, tsUTC, cleanedAt sql.NullTime
		if err := rows.Scan(
			&m.ExtractionID, &entityID, &m.SessionID, &m.MessageIndex, &m.MessageType,
			&role, &content, &contentLength, &wordCount, &ts, &tsUTC,
			&model, &costUSD, &toolName, &toolInput, &toolOutput, &m.SourceFile,
			&contentDate, &m.Fingerprint, &m.IsDuplicate, &m.ExtractedAt, &cleanedAt, &m.RunID,
		); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		m.EntityID = entityID.String
		m.Role = role.String
		m.Content = content.String
		m.ContentLength = int(contentLength.Int64)
		m.WordCount = int(wordCount.Int64)
		m.Timestamp = timePtr(ts)
		m.TimestampUTC = timePtr(tsUTC)
		m.Model = model.String
		m.CostUSD = costUSD.Float64
		m.ToolName = toolName.String
		m.ToolInput = toolInput.String
		m.ToolOutput = toolOutput.String
		m.ContentDate = contentDate.String
		m.CleanedAt = timePtr(cleanedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertDLQ writes dead-letter rows for lines that could not be extracted.
func (w *DB) InsertDLQ(rows []entity.DLQRow) error {
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage1DLQ + `
				(dlq_id, source_file, line_offset, raw_line, reason, created_at, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare dlq insert: %w", err)
		}
		defer stmt.Close()
		for _, d := range rows {
			if _, err := stmt.Exec(d.DLQID, d.SourceFile, d.LineOffset, d.RawLine, d.Reason, d.CreatedAt.UTC(), d.RunID); err != nil {
				return fmt.Errorf("insert dlq row: %w", err)
			}
		}
		return nil
	})
}

// SelectDLQ reads dead-letter rows for a run.
func (w *DB) SelectDLQ(runID string) ([]entity.DLQRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT dlq_id, source_file, line_offset, raw_line, reason, created_at, run_id
		FROM `+TableStage1DLQ+` WHERE run_id = ? ORDER BY source_file, line_offset
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query dlq: %w", err)
	}
	defer rows.Close()

	var out []entity.DLQRow
	for rows.Next() {
		var d entity.DLQRow
		if err := rows.Scan(&d.DLQID, &d.SourceFile, &d.LineOffset, &d.RawLine, &d.Reason, &d.CreatedAt, &d.RunID); err != nil {
			return nil, fmt.Errorf("scan dlq: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertConversations writes L8 conversation rows (stage 5).
func (w *DB) InsertConversations(rows []entity.ConversationRow) error {
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage5 + ` (
				entity_id, session_id, level, message_count, user_message_count,
				assistant_message_count, tool_use_count, total_word_count,
				total_char_count, total_cost_usd, first_message_at, last_message_at,
				models_used, tools_used, content_date, created_at,
				valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare stage 5 insert: %w", err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for _, c := range rows {
			validTime := any(c.CreatedAt.UTC())
			if c.FirstMessageAt != nil {
				validTime = c.FirstMessageAt.UTC()
			}
			if _, err := stmt.Exec(
				c.EntityID, c.SessionID, c.Level, c.MessageCount, c.UserMessageCount,
				c.AssistantMessageCount, c.ToolUseCount, c.TotalWordCount,
				c.TotalCharCount, c.TotalCostUSD, nullTime(c.FirstMessageAt), nullTime(c.LastMessageAt),
				jsonBlob(c.ModelsUsed), jsonBlob(c.ToolsUsed), nullStr(c.ContentDate), c.CreatedAt.UTC(),
				validTime, systemTime, c.RunID,
			); err != nil {
				return fmt.Errorf("insert conversation: %w", err)
			}
		}
		return nil
	})
}

// SelectConversations reads L8 rows for a run.
func (w *DB) SelectConversations(runID string) ([]entity.ConversationRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT entity_id, session_id, level, message_count, user_message_count,
			assistant_message_count, tool_use_count, total_word_count,
			total_char_count, total_cost_usd, first_message_at, last_message_at,
			models_used, tools_used, content_date, created_at, run_id
		FROM `+TableStage5+` WHERE run_id = ? ORDER BY session_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage 5: %w", err)
	}
	defer rows.Close()

	var out []entity.ConversationRow
	for rows.Next() {
		var c entity.ConversationRow
		var first, last sql.NullTime
		var models, tools []byte
		var contentDate sql.NullString
		if err := rows.Scan(
			&c.EntityID, &c.SessionID, &c.Level, &c.MessageCount, &c.UserMessageCount,
			&c.AssistantMessageCount, &c.ToolUseCount, &c.TotalWordCount,
			&c.TotalCharCount, &c.TotalCostUSD, &first, &last,
			&models, &tools, &contentDate, &c.CreatedAt, &c.RunID,
		); err != nil {
			return nil, fmt.Errorf("scan stage 5: %w", err)
		}
		c.FirstMessageAt = timePtr(first)
		c.LastMessageAt = timePtr(last)
		fromJSONBlob(models, &c.ModelsUsed)
		fromJSONBlob(tools, &c.ToolsUsed)
		c.ContentDate = contentDate.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertSentences writes L4 sentence rows (stage 6).
func (w *DB) InsertSentences(rows []entity.SentenceRow) error {
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage6 + ` (
				entity_id, parent_id, session_id, level, sentence_index, text,
				start_char, end_char, word_count, created_at,
				valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare stage 6 insert: %w", err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for _, s := range rows {
			if _, err := stmt.Exec(
				s.EntityID, s.ParentID, s.SessionID, s.Level, s.SentenceIndex, s.Text,
				s.StartChar, s.EndChar, s.WordCount, s.CreatedAt.UTC(),
				s.CreatedAt.UTC(), systemTime, s.RunID,
			); err != nil {
				return fmt.Errorf("insert sentence: %w", err)
			}
		}
		return nil
	})
}

// SelectSentences reads L4 rows for a run ordered by parent and index.
func (w *DB) SelectSentences(runID string) ([]entity.SentenceRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT entity_id, parent_id, session_id, level, sentence_index, text,
			start_char, end_char, word_count, created_at, run_id
		FROM `+TableStage6+` WHERE run_id = ? ORDER BY parent_id, sentence_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage 6: %w", err)
	}
	defer rows.Close()

	var out []entity.SentenceRow
	for rows.Next() {
		var s entity.SentenceRow
		if err := rows.Scan(
			&s.EntityID, &s.ParentID, &s.SessionID, &s.Level, &s.SentenceIndex, &s.Text,
			&s.StartChar, &s.EndChar, &s.WordCount, &s.CreatedAt, &s.RunID,
		); err != nil {
			return nil, fmt.Errorf("scan stage 6: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertStage7 writes canonical L5 message rows. ParentID must reference the
// L8 conversation entity.
func (w *DB) InsertStage7(rows []entity.MessageRow) error {
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage7 + ` (
				entity_id, parent_id, session_id, level, message_index, message_type,
				role, text, char_count, word_count, model, cost_usd, tool_name,
				timestamp_utc, fingerprint, content_date, created_at,
				valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare stage 7 insert: %w", err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for i := range rows {
			m := &rows[i]
			if _, err := stmt.Exec(
				m.EntityID, m.ParentID, m.SessionID, entity.LevelMessage, m.MessageIndex, m.MessageType,
				nullStr(m.Role), m.Content, m.ContentLength, m.WordCount, nullStr(m.Model), m.CostUSD, nullStr(m.ToolName),
				nullTime(m.TimestampUTC), m.Fingerprint, nullStr(m.ContentDate), m.ExtractedAt.UTC(),
				messageRowValidTime(m), systemTime, m.RunID,
			); err != nil {
				return fmt.Errorf("insert stage 7 row: %w", err)
			}
		}
		return nil
	})
}

// SelectStage7 reads canonical L5 rows for a run ordered by
// (session_id, message_index).
func (w *DB) SelectStage7(runID string) ([]entity.MessageRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT entity_id, parent_id, session_id, message_index, message_type,
			role, text, char_count, word_count, model, cost_usd, tool_name,
			timestamp_utc, fingerprint, content_date, created_at, run_id
		FROM `+TableStage7+` WHERE run_id = ?
		ORDER BY session_id, message_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage 7: %w", err)
	}
	defer rows.Close()

	var out []entity.MessageRow
	for rows.Next() {
		var m entity.MessageRow
		var role, text, model, toolName, contentDate sql.NullString
		var charCount, wordCount sql.NullInt64
		var costUSD sql.NullFloat64
		var tsUTC sql.NullTime
		if err := rows.Scan(
			&m.EntityID, &m.ParentID, &m.SessionID, &m.MessageIndex, &m.MessageType,
			&role, &text, &charCount, &wordCount, &model, &costUSD, &toolName,
			&tsUTC, &m.Fingerprint, &contentDate, &m.ExtractedAt, &m.RunID,
		); err != nil {
			return nil, fmt.Errorf("scan stage 7: %w", err)
		}
		m.Role = role.String
		m.Content = text.String
		m.ContentLength = int(charCount.Int64)
		m.WordCount = int(wordCount.Int64)
		m.Model = model.String
		m.CostUSD = costUSD.Float64
		m.ToolName = toolName.String
		m.TimestampUTC = timePtr(tsUTC)
		m.ContentDate = contentDate.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertSpans writes L3 span rows (stage 8).
func (w *DB) InsertSpans(rows []entity.SpanRow) error {
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage8 + ` (
				entity_id, parent_id, session_id, level, span_index, text,
				word_count, created_at, valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare stage 8 insert: %w", err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for _, s := range rows {
			if _, err := stmt.Exec(
				s.EntityID, s.ParentID, s.SessionID, s.Level, s.SpanIndex, s.Text,
				s.WordCount, s.CreatedAt.UTC(), s.CreatedAt.UTC(), systemTime, s.RunID,
			); err != nil {
				return fmt.Errorf("insert span: %w", err)
			}
		}
		return nil
	})
}

// SelectSpans reads L3 rows for a run.
func (w *DB) SelectSpans(runID string) ([]entity.SpanRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT entity_id, parent_id, session_id, level, span_index, text,
			word_count, created_at, run_id
		FROM `+TableStage8+` WHERE run_id = ? ORDER BY parent_id, span_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage 8: %w", err)
	}
	defer rows.Close()

	var out []entity.SpanRow
	for rows.Next() {
		var s entity.SpanRow
		if err := rows.Scan(
			&s.EntityID, &s.ParentID, &s.SessionID, &s.Level, &s.SpanIndex, &s.Text,
			&s.WordCount, &s.CreatedAt, &s.RunID,
		); err != nil {
			return nil, fmt.Errorf("scan stage 8: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertEmbeddings writes stage 9 rows and mirrors the vectors into the
// entity_vec index when sqlite-vec is available.
func (w *DB) InsertEmbeddings(rows []entity.EmbeddingRow) error {
	if len(rows) == 0 {
		return nil
	}
	if w.vecAvailable && len(rows[0].Embedding) > 0 {
		if err := w.ensureVecTable(len(rows[0].Embedding)); err != nil {
			logging.Warn("warehouse", "vec index unavailable: %v", err)
		}
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage9 + ` (
				entity_id, session_id, embedding, embedding_model, was_truncated,
				created_at, valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare stage 9 insert: %w", err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for _, e := range rows {
			if _, err := stmt.Exec(
				e.EntityID, e.SessionID, jsonBlob(e.Embedding), e.Model, e.WasTruncated,
				e.CreatedAt.UTC(), e.CreatedAt.UTC(), systemTime, e.RunID,
			); err != nil {
				return fmt.Errorf("insert embedding: %w", err)
			}
			if w.vecDim > 0 && len(e.Embedding) == w.vecDim {
				emb32 := make([]float32, len(e.Embedding))
				for i, v := range e.Embedding {
					emb32[i] = float32(v)
				}
				serialized, serErr := sqlite_vec.SerializeFloat32(emb32)
				if serErr != nil {
					continue
				}
				// vec0 does not reliably support INSERT OR REPLACE; DELETE + INSERT.
				tx.Exec(`DELETE FROM entity_vec WHERE entity_id = ?`, e.EntityID)
				if _, err := tx.Exec(`INSERT INTO entity_vec(embedding, entity_id) VALUES (?, ?)`, serialized, e.EntityID); err != nil {
					logging.Debug("warehouse", "vec insert failed for %s: %v", e.EntityID, err)
				}
			}
		}
		return nil
	})
}

// SelectEmbeddings reads stage 9 rows for a run.
func (w *DB) SelectEmbeddings(runID string) ([]entity.EmbeddingRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT entity_id, session_id, embedding, embedding_model, was_truncated, created_at, run_id
		FROM `+TableStage9+` WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage 9: %w", err)
	}
	defer rows.Close()

	var out []entity.EmbeddingRow
	for rows.Next() {
		var e entity.EmbeddingRow
		var emb []byte
		if err := rows.Scan(&e.EntityID, &e.SessionID, &emb, &e.Model, &e.WasTruncated, &e.CreatedAt, &e.RunID); err != nil {
			return nil, fmt.Errorf("scan stage 9: %w", err)
		}
		fromJSONBlob(emb, &e.Embedding)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertExtractions writes stage 10 LLM extraction rows.
func (w *DB) InsertExtractions(rows []entity.ExtractionRow) error {
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage10 + ` (
				entity_id, session_id, intent, task_type, code_languages, complexity,
				has_code_block, model, created_at, valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare stage 10 insert: %w", err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for _, x := range rows {
			if _, err := stmt.Exec(
				x.EntityID, x.SessionID, nullStr(x.Intent), nullStr(x.TaskType), jsonBlob(x.CodeLanguages), nullStr(x.Complexity),
				x.HasCodeBlock, nullStr(x.Model), x.CreatedAt.UTC(), x.CreatedAt.UTC(), systemTime, x.RunID,
			); err != nil {
				return fmt.Errorf("insert extraction: %w", err)
			}
		}
		return nil
	})
}

// SelectExtractions reads stage 10 rows for a run.
func (w *DB) SelectExtractions(runID string) ([]entity.ExtractionRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT entity_id, session_id, intent, task_type, code_languages, complexity,
			has_code_block, model, created_at, run_id
		FROM `+TableStage10+` WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage 10: %w", err)
	}
	defer rows.Close()

	var out []entity.ExtractionRow
	for rows.Next() {
		var x entity.ExtractionRow
		var intent, taskType, complexity, model sql.NullString
		var langs []byte
		if err := rows.Scan(&x.EntityID, &x.SessionID, &intent, &taskType, &langs, &complexity,
			&x.HasCodeBlock, &model, &x.CreatedAt, &x.RunID); err != nil {
			return nil, fmt.Errorf("scan stage 10: %w", err)
		}
		x.Intent = intent.String
		x.TaskType = taskType.String
		x.Complexity = complexity.String
		x.Model = model.String
		fromJSONBlob(langs, &x.CodeLanguages)
		out = append(out, x)
	}
	return out, rows.Err()
}

// InsertSentiments writes stage 11 sentiment rows.
func (w *DB) InsertSentiments(rows []entity.SentimentRow) error {
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage11 + ` (
				entity_id, session_id, primary_emotion, primary_emotion_score,
				all_emotion_scores, emotions_detected, created_at,
				valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare stage 11 insert: %w", err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for _, s := range rows {
			if _, err := stmt.Exec(
				s.EntityID, s.SessionID, s.PrimaryEmotion, s.PrimaryEmotionScore,
				jsonBlob(s.AllEmotionScores), jsonBlob(s.EmotionsDetected), s.CreatedAt.UTC(),
				s.CreatedAt.UTC(), systemTime, s.RunID,
			); err != nil {
				return fmt.Errorf("insert sentiment: %w", err)
			}
		}
		return nil
	})
}

// SelectSentiments reads stage 11 rows for a run.
func (w *DB) SelectSentiments(runID string) ([]entity.SentimentRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT entity_id, session_id, primary_emotion, primary_emotion_score,
			all_emotion_scores, emotions_detected, created_at, run_id
		FROM `+TableStage11+` WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage 11: %w", err)
	}
	defer rows.Close()

	var out []entity.SentimentRow
	for rows.Next() {
		var s entity.SentimentRow
		var scores, detected []byte
		if err := rows.Scan(&s.EntityID, &s.SessionID, &s.PrimaryEmotion, &s.PrimaryEmotionScore,
			&scores, &detected, &s.CreatedAt, &s.RunID); err != nil {
			return nil, fmt.Errorf("scan stage 11: %w", err)
		}
		fromJSONBlob(scores, &s.AllEmotionScores)
		fromJSONBlob(detected, &s.EmotionsDetected)
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertKeywords writes stage 12 keyword rows.
func (w *DB) InsertKeywords(rows []entity.KeywordRow) error {
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage12 + ` (
				entity_id, session_id, keywords, top_keyword, top_keyword_score,
				created_at, valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare stage 12 insert: %w", err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for _, k := range rows {
			if _, err := stmt.Exec(
				k.EntityID, k.SessionID, jsonBlob(k.Keywords), nullStr(k.TopKeyword), k.TopKeywordScore,
				k.CreatedAt.UTC(), k.CreatedAt.UTC(), systemTime, k.RunID,
			); err != nil {
				return fmt.Errorf("insert keywords: %w", err)
			}
		}
		return nil
	})
}

// SelectKeywords reads stage 12 rows for a run.
func (w *DB) SelectKeywords(runID string) ([]entity.KeywordRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT entity_id, session_id, keywords, top_keyword, top_keyword_score, created_at, run_id
		FROM `+TableStage12+` WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage 12: %w", err)
	}
	defer rows.Close()

	var out []entity.KeywordRow
	for rows.Next() {
		var k entity.KeywordRow
		var kws []byte
		var topKeyword sql.NullString
		var topScore sql.NullFloat64
		if err := rows.Scan(&k.EntityID, &k.SessionID, &kws, &topKeyword, &topScore, &k.CreatedAt, &k.RunID); err != nil {
			return nil, fmt.Errorf("scan stage 12: %w", err)
		}
		fromJSONBlob(kws, &k.Keywords)
		k.TopKeyword = topKeyword.String
		k.TopKeywordScore = topScore.Float64
		out = append(out, k)
	}
	return out, rows.Err()
}

// InsertRelationships writes stage 13 edge rows.
func (w *DB) InsertRelationships(rows []entity.RelationshipRow) error {
	if len(rows) == 0 {
		return nil
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO ` + TableStage13 + ` (
				relationship_id, source_id, target_id, relationship_type, strength,
				confidence, session_id, created_at, valid_time, system_time, valid_to, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare stage 13 insert: %w", err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for _, r := range rows {
			if _, err := stmt.Exec(
				r.RelationshipID, r.SourceID, r.TargetID, r.RelationshipType, r.Strength,
				r.Confidence, nullStr(r.SessionID), r.CreatedAt.UTC(), r.CreatedAt.UTC(), systemTime, r.RunID,
			); err != nil {
				return fmt.Errorf("insert relationship: %w", err)
			}
		}
		return nil
	})
}

// SelectRelationships reads stage 13 edges for a run, optionally filtered by
// relationship type ("" selects all).
func (w *DB) SelectRelationships(runID, relType string) ([]entity.RelationshipRow, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	query := `
		SELECT relationship_id, source_id, target_id, relationship_type, strength,
			confidence, session_id, created_at, run_id
		FROM ` + TableStage13 + ` WHERE run_id = ?`
	args := []any{runID}
	if relType != "" {
		query += ` AND relationship_type = ?`
		args = append(args, relType)
	}
	rows, err := w.db.Query(query+` ORDER BY relationship_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage 13: %w", err)
	}
	defer rows.Close()

	var out []entity.RelationshipRow
	for rows.Next() {
		var r entity.RelationshipRow
		var sessionID sql.NullString
		if err := rows.Scan(&r.RelationshipID, &r.SourceID, &r.TargetID, &r.RelationshipType, &r.Strength,
			&r.Confidence, &sessionID, &r.CreatedAt, &r.RunID); err != nil {
			return nil, fmt.Errorf("scan stage 13: %w", err)
		}
		r.SessionID = sessionID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertUnified writes denormalized rows into one of stage_14, stage_15, or
// entity_unified. Inserting an entity_id that already exists in
// entity_unified is the caller's responsibility to avoid (stage 16 checks
// first); for the stage tables, re-runs replace per (entity_id, run_id).
func (w *DB) InsertUnified(table string, rows []entity.UnifiedRow) error {
	if err := checkIdentifier("table", table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	verb := "INSERT OR REPLACE"
	if table == TableUnified {
		// entity_unified is append-only and unique on entity_id; never
		// overwrite a promoted row.
		verb = "INSERT OR IGNORE"
	}
	return w.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(verb + ` INTO ` + table + ` (
				entity_id, parent_id, source_name, source_pipeline, level, text,
				role, message_type, message_index, sentence_index, word_count,
				char_count, model, cost_usd, tool_name, embedding,
				primary_emotion, primary_emotion_score, intent, task_type,
				complexity, top_keyword, keywords, child_count, message_count,
				user_message_count, assistant_message_count, total_word_count,
				session_id, content_date, timestamp_utc, created_at, run_id,
				validation_status, validation_score, validation_errors,
				validation_warnings, promoted_at, valid_time, system_time, valid_to
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`)
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", table, err)
		}
		defer stmt.Close()

		systemTime := time.Now().UTC()
		for i := range rows {
			u := &rows[i]
			validTime := any(u.CreatedAt.UTC())
			if u.TimestampUTC != nil {
				validTime = u.TimestampUTC.UTC()
			}
			if _, err := stmt.Exec(
				u.EntityID, nullStr(u.ParentID), u.SourceName, u.SourcePipeline, u.Level, nullStr(u.Text),
				nullStr(u.Role), nullStr(u.MessageType), nullInt(u.MessageIndex), nullInt(u.SentenceIndex), nullInt(u.WordCount),
				nullInt(u.CharCount), nullStr(u.Model), u.CostUSD, nullStr(u.ToolName), jsonBlob(u.Embedding),
				nullStr(u.PrimaryEmotion), u.PrimaryEmotionScore, nullStr(u.Intent), nullStr(u.TaskType),
				nullStr(u.Complexity), nullStr(u.TopKeyword), jsonBlob(u.Keywords), u.ChildCount, u.MessageCount,
				u.UserMessageCount, u.AssistantMessageCount, u.TotalWordCount,
				nullStr(u.SessionID), nullStr(u.ContentDate), nullTime(u.TimestampUTC), u.CreatedAt.UTC(), u.RunID,
				nullStr(u.ValidationStatus), u.ValidationScore, jsonBlob(u.ValidationErrors),
				jsonBlob(u.ValidationWarnings), nullTime(u.PromotedAt), validTime, systemTime,
			); err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
		}
		return nil
	})
}

// SelectUnified reads denormalized rows for a run from stage_14, stage_15,
// or entity_unified. An empty status filters nothing; otherwise only rows
// with that validation_status are returned.
func (w *DB) SelectUnified(table, runID, status string) ([]entity.UnifiedRow, error) {
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	query := `
		SELECT entity_id, parent_id, source_name, source_pipeline, level, text,
			role, message_type, message_index, sentence_index, word_count,
			char_count, model, cost_usd, tool_name, embedding,
			primary_emotion, primary_emotion_score, intent, task_type,
			complexity, top_keyword, keywords, child_count, message_count,
			user_message_count, assistant_message_count, total_word_count,
			session_id, content_date, timestamp_utc, created_at, run_id,
			validation_status, validation_score, validation_errors,
			validation_warnings, promoted_at
		FROM ` + table + ` WHERE run_id = ?`
	args := []any{runID}
	if status != "" {
		query += ` AND validation_status = ?`
		args = append(args, status)
	}
	rows, err := w.db.Query(query+` ORDER BY level DESC, session_id, entity_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []entity.UnifiedRow
	for rows.Next() {
		u, err := scanUnified(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func scanUnified(rows *sql.Rows) (*entity.UnifiedRow, error) {
	var u entity.UnifiedRow
	var parentID, text, role, messageType, model, toolName sql.NullString
	var primaryEmotion, intent, taskType, complexity, topKeyword, sessionID, contentDate, status sql.NullString
	var messageIndex, sentenceIndex, wordCount, charCount sql.NullInt64
	var costUSD, emotionScore, score sql.NullFloat64
	var embedding, keywords, verrs, vwarns []byte
	var tsUTC, promotedAt sql.NullTime

	if err := rows.Scan(
		&u.EntityID, &parentID, &u.SourceName, &u.SourcePipeline, &u.Level, &text,
		&role, &messageType, &messageIndex, &sentenceIndex, &wordCount,
		&charCount, &model, &costUSD, &toolName, &embedding,
		&primaryEmotion, &emotionScore, &intent, &taskType,
		&complexity, &topKeyword, &keywords, &u.ChildCount, &u.MessageCount,
		&u.UserMessageCount, &u.AssistantMessageCount, &u.TotalWordCount,
		&sessionID, &contentDate, &tsUTC, &u.CreatedAt, &u.RunID,
		&status, &score, &verrs, &vwarns, &promotedAt,
	); err != nil {
		return nil, err
	}
	u.ParentID = parentID.String
	u.Text = text.String
	u.Role = role.String
	u.MessageType = messageType.String
	u.MessageIndex = intPtr(messageIndex)
	u.SentenceIndex = intPtr(sentenceIndex)
	u.WordCount = intPtr(wordCount)
	u.CharCount = intPtr(charCount)
	u.Model = model.String
	u.CostUSD = costUSD.Float64
	u.ToolName = toolName.String
	fromJSONBlob(embedding, &u.Embedding)
	u.PrimaryEmotion = primaryEmotion.String
	u.PrimaryEmotionScore = emotionScore.Float64
	u.Intent = intent.String
	u.TaskType = taskType.String
	u.Complexity = complexity.String
	u.TopKeyword = topKeyword.String
	fromJSONBlob(keywords, &u.Keywords)
	u.SessionID = sessionID.String
	u.ContentDate = contentDate.String
	u.TimestampUTC = timePtr(tsUTC)
	u.ValidationStatus = status.String
	u.ValidationScore = score.Float64
	fromJSONBlob(verrs, &u.ValidationErrors)
	fromJSONBlob(vwarns, &u.ValidationWarnings)
	u.PromotedAt = timePtr(promotedAt)
	return &u, nil
}

// ExistingUnifiedIDs returns the set of entity ids already promoted to
// entity_unified, across all runs.
func (w *DB) ExistingUnifiedIDs() (map[string]bool, error) {
	rows, err := w.db.Query(`SELECT entity_id FROM ` + TableUnified)
	if err != nil {
		return nil, fmt.Errorf("query entity_unified ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// InsertSignal records a structured error signal.
func (w *DB) InsertSignal(s entity.Signal) error {
	_, err := w.db.Exec(`
		INSERT OR REPLACE INTO `+TableSignals+`
			(signal_id, stage, entity_id, signal_type, message, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.SignalID, s.Stage, nullStr(s.EntityID), s.SignalType, s.Message, s.RunID, s.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// SelectSignals reads signal rows for a run and stage (stage < 0 selects all
// stages).
func (w *DB) SelectSignals(runID string, stage int) ([]entity.Signal, error) {
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	query := `SELECT signal_id, stage, entity_id, signal_type, message, run_id, created_at
		FROM ` + TableSignals + ` WHERE run_id = ?`
	args := []any{runID}
	if stage >= 0 {
		query += ` AND stage = ?`
		args = append(args, stage)
	}
	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []entity.Signal
	for rows.Next() {
		var s entity.Signal
		var entityID sql.NullString
		if err := rows.Scan(&s.SignalID, &s.Stage, &entityID, &s.SignalType, &s.Message, &s.RunID, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.EntityID = entityID.String
		out = append(out, s)
	}
	return out, rows.Err()
}
