// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by point reads that match no row.
var ErrNotFound = errors.New("store: not found")

// Schema versions are append-only; each entry migrates from the previous.
const (
	schemaVersionV1 = 1 // sessions, lifelog, tasks, push queue, operations
	schemaVersionV2 = 2 // devices identity table, thought traces
	schemaVersionV3 = 3 // runtime observability samples

	schemaVersionLatest = schemaVersionV3
)

var migrations = map[int][]string{
	schemaVersionV1: {
		`CREATE TABLE IF NOT EXISTS device_sessions (
			device_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			state TEXT NOT NULL,
			last_recv_seq INTEGER NOT NULL DEFAULT -1,
			outbound_seq INTEGER NOT NULL DEFAULT 0,
			telemetry TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			last_seen_ms INTEGER NOT NULL,
			closed_at_ms INTEGER NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (device_id, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS lifelog_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			risk_level TEXT NOT NULL DEFAULT 'P3',
			confidence REAL NOT NULL DEFAULT 0,
			ts_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lifelog_events_session ON lifelog_events(session_id, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS lifelog_images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			uri TEXT NOT NULL,
			mime TEXT NOT NULL DEFAULT 'image/jpeg',
			dhash TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			byte_size INTEGER NOT NULL DEFAULT 0,
			ts_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lifelog_images_hash ON lifelog_images(content_hash)`,
		`CREATE TABLE IF NOT EXISTS lifelog_contexts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			image_id INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			objects TEXT NOT NULL DEFAULT '[]',
			ocr TEXT NOT NULL DEFAULT '[]',
			risk_hints TEXT NOT NULL DEFAULT '[]',
			actionable_summary TEXT NOT NULL DEFAULT '',
			risk_level TEXT NOT NULL DEFAULT 'P3',
			risk_score REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			ts_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS digital_tasks (
			task_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			steps TEXT NOT NULL DEFAULT '[]',
			result TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			timeout_seconds INTEGER NOT NULL DEFAULT 120,
			deadline_ms INTEGER NOT NULL DEFAULT 0,
			notify INTEGER NOT NULL DEFAULT 1,
			speak INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_digital_tasks_status ON digital_tasks(status, device_id)`,
		`CREATE TABLE IF NOT EXISTS digital_task_push_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at_ms INTEGER NOT NULL DEFAULT 0,
			sent_at_ms INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			UNIQUE (device_id, task_id, status)
		)`,
		`CREATE TABLE IF NOT EXISTS device_operations (
			operation_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
	},
	schemaVersionV2: {
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			token TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'registered',
			user_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thought_traces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			content TEXT NOT NULL,
			ts_ms INTEGER NOT NULL
		)`,
	},
	schemaVersionV3: {
		`CREATE TABLE IF NOT EXISTS runtime_observability_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms INTEGER NOT NULL,
			sample TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observability_ts ON runtime_observability_samples(ts_ms)`,
	},
}

// SQLite is the Store implementation backed by a single sqlite database.
// Writes are serialized through a mutex; reads run concurrently.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema ledger: %w", err)
	}
	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for v := current + 1; v <= schemaVersionLatest; v++ {
		stmts, ok := migrations[v]
		if !ok {
			return fmt.Errorf("missing migration for schema version %d", v)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration %d: %w", v, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func encodeJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMap(raw string) map[string]any {
	out := map[string]any{}
	if raw != "" {
		json.Unmarshal([]byte(raw), &out)
	}
	return out
}

func decodeStrings(raw string) []string {
	var out []string
	if raw != "" {
		json.Unmarshal([]byte(raw), &out)
	}
	return out
}

func (s *SQLite) UpsertDeviceSession(ctx context.Context, sess *DeviceSession) error {
	return s.exec(ctx, `
		INSERT INTO device_sessions
			(device_id, session_id, state, last_recv_seq, outbound_seq, telemetry, metadata,
			 created_at_ms, last_seen_ms, closed_at_ms, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, session_id) DO UPDATE SET
			state = excluded.state,
			last_recv_seq = excluded.last_recv_seq,
			outbound_seq = excluded.outbound_seq,
			telemetry = excluded.telemetry,
			metadata = excluded.metadata,
			last_seen_ms = excluded.last_seen_ms,
			closed_at_ms = excluded.closed_at_ms,
			close_reason = excluded.close_reason`,
		sess.DeviceID, sess.SessionID, sess.State, sess.LastRecvSeq, sess.OutboundSeq,
		encodeJSON(sess.Telemetry), encodeJSON(sess.Metadata),
		sess.CreatedAtMS, sess.LastSeenMS, sess.ClosedAtMS, sess.CloseReason)
}

func (s *SQLite) scanSession(row interface{ Scan(...any) error }) (*DeviceSession, error) {
	var sess DeviceSession
	var telemetry, metadata string
	err := row.Scan(&sess.DeviceID, &sess.SessionID, &sess.State, &sess.LastRecvSeq,
		&sess.OutboundSeq, &telemetry, &metadata, &sess.CreatedAtMS, &sess.LastSeenMS,
		&sess.ClosedAtMS, &sess.CloseReason)
	if err != nil {
		return nil, err
	}
	sess.Telemetry = decodeMap(telemetry)
	sess.Metadata = decodeMap(metadata)
	return &sess, nil
}

const sessionColumns = `device_id, session_id, state, last_recv_seq, outbound_seq,
	telemetry, metadata, created_at_ms, last_seen_ms, closed_at_ms, close_reason`

func (s *SQLite) GetDeviceSession(ctx context.Context, deviceID, sessionID string) (*DeviceSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions WHERE device_id = ? AND session_id = ?`,
		deviceID, sessionID)
	sess, err := s.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *SQLite) ListDeviceSessions(ctx context.Context) ([]*DeviceSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions ORDER BY last_seen_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DeviceSession
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) CloseDeviceSession(ctx context.Context, deviceID, sessionID, reason string, closedAtMS int64) error {
	return s.exec(ctx, `
		UPDATE device_sessions
		SET state = 'closing', closed_at_ms = ?, close_reason = ?, last_seen_ms = ?
		WHERE device_id = ? AND session_id = ?`,
		closedAtMS, reason, closedAtMS, deviceID, sessionID)
}

func (s *SQLite) AppendLifelogEvent(ctx context.Context, ev *LifelogEvent) error {
	return s.exec(ctx, `
		INSERT INTO lifelog_events (session_id, event_type, payload, risk_level, confidence, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.EventType, encodeJSON(ev.Payload), ev.RiskLevel, ev.Confidence, ev.TSMS)
}

func (s *SQLite) QueryLifelogEvents(ctx context.Context, q EventQuery) ([]*LifelogEvent, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.SinceMS > 0 {
		where = append(where, "ts_ms >= ?")
		args = append(args, q.SinceMS)
	}
	if q.UntilMS > 0 {
		where = append(where, "ts_ms <= ?")
		args = append(args, q.UntilMS)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_type, payload, risk_level, confidence, ts_ms
		FROM lifelog_events WHERE `+strings.Join(where, " AND ")+`
		ORDER BY ts_ms DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LifelogEvent
	for rows.Next() {
		var ev LifelogEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.EventType, &payload, &ev.RiskLevel, &ev.Confidence, &ev.TSMS); err != nil {
			return nil, err
		}
		ev.Payload = decodeMap(payload)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertLifelogImage(ctx context.Context, img *LifelogImage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lifelog_images (session_id, device_id, uri, mime, dhash, content_hash, byte_size, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		img.SessionID, img.DeviceID, img.URI, img.Mime, img.DHash, img.ContentHash, img.ByteSize, img.TSMS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) RecentLifelogImages(ctx context.Context, sinceMS int64, limit int) ([]*LifelogImage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, device_id, uri, mime, dhash, content_hash, byte_size, ts_ms
		FROM lifelog_images WHERE ts_ms >= ? ORDER BY ts_ms DESC LIMIT ?`, sinceMS, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LifelogImage
	for rows.Next() {
		var img LifelogImage
		if err := rows.Scan(&img.ID, &img.SessionID, &img.DeviceID, &img.URI, &img.Mime,
			&img.DHash, &img.ContentHash, &img.ByteSize, &img.TSMS); err != nil {
			return nil, err
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

func (s *SQLite) FindImageByContentHash(ctx context.Context, contentHash string, sinceMS int64) (*LifelogImage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, device_id, uri, mime, dhash, content_hash, byte_size, ts_ms
		FROM lifelog_images WHERE content_hash = ? AND ts_ms >= ?
		ORDER BY ts_ms DESC LIMIT 1`, contentHash, sinceMS)
	var img LifelogImage
	err := row.Scan(&img.ID, &img.SessionID, &img.DeviceID, &img.URI, &img.Mime,
		&img.DHash, &img.ContentHash, &img.ByteSize, &img.TSMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *SQLite) InsertLifelogContext(ctx context.Context, c *LifelogContext) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lifelog_contexts
			(session_id, image_id, summary, objects, ocr, risk_hints, actionable_summary,
			 risk_level, risk_score, confidence, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.ImageID, c.Summary, encodeJSON(c.Objects), encodeJSON(c.OCR),
		encodeJSON(c.RiskHints), c.ActionableSummary, c.RiskLevel, c.RiskScore, c.Confidence, c.TSMS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) GetLifelogContextByImage(ctx context.Context, imageID int64) (*LifelogContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, image_id, summary, objects, ocr, risk_hints,
		       actionable_summary, risk_level, risk_score, confidence, ts_ms
		FROM lifelog_contexts WHERE image_id = ? ORDER BY ts_ms DESC LIMIT 1`, imageID)
	var c LifelogContext
	var objects, ocr, hints string
	err := row.Scan(&c.ID, &c.SessionID, &c.ImageID, &c.Summary, &objects, &ocr, &hints,
		&c.ActionableSummary, &c.RiskLevel, &c.RiskScore, &c.Confidence, &c.TSMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Objects = decodeStrings(objects)
	c.OCR = decodeStrings(ocr)
	c.RiskHints = decodeStrings(hints)
	return &c, nil
}

func (s *SQLite) CountLifelogContexts(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lifelog_contexts WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

const taskColumns = `task_id, session_id, device_id, goal, status, steps, result, error,
	timeout_seconds, deadline_ms, notify, speak, created_at_ms, updated_at_ms`

func (s *SQLite) CreateDigitalTask(ctx context.Context, task *DigitalTask) error {
	return s.exec(ctx, `
		INSERT INTO digital_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.SessionID, task.DeviceID, task.Goal, task.Status,
		encodeJSON(task.Steps), encodeJSON(task.Result), task.Error,
		task.TimeoutSeconds, task.DeadlineMS, boolInt(task.Notify), boolInt(task.Speak),
		task.CreatedAtMS, task.UpdatedAtMS)
}

func (s *SQLite) scanTask(row interface{ Scan(...any) error }) (*DigitalTask, error) {
	var task DigitalTask
	var steps, result string
	var notify, speak int
	err := row.Scan(&task.TaskID, &task.SessionID, &task.DeviceID, &task.Goal, &task.Status,
		&steps, &result, &task.Error, &task.TimeoutSeconds, &task.DeadlineMS,
		&notify, &speak, &task.CreatedAtMS, &task.UpdatedAtMS)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(steps), &task.Steps)
	task.Result = decodeMap(result)
	task.Notify = notify != 0
	task.Speak = speak != 0
	return &task, nil
}

func (s *SQLite) GetDigitalTask(ctx context.Context, taskID string) (*DigitalTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM digital_tasks WHERE task_id = ?`, taskID)
	task, err := s.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *SQLite) ListDigitalTasks(ctx context.Context, q TaskQuery) ([]*DigitalTask, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, q.Offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM digital_tasks WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at_ms DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DigitalTask
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLite) ListUnfinishedTasks(ctx context.Context, limit int) ([]*DigitalTask, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM digital_tasks
		WHERE status IN ('pending', 'running')
		ORDER BY created_at_ms ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DigitalTask
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateTaskIfStatus(ctx context.Context, taskID string, expected []string, mutate func(*DigitalTask)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM digital_tasks WHERE task_id = ?`, taskID)
	task, err := s.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	allowed := false
	for _, status := range expected {
		if task.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	mutate(task)
	task.UpdatedAtMS = time.Now().UnixMilli()
	if task.UpdatedAtMS < task.CreatedAtMS {
		task.UpdatedAtMS = task.CreatedAtMS
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE digital_tasks SET status = ?, steps = ?, result = ?, error = ?, updated_at_ms = ?
		WHERE task_id = ?`,
		task.Status, encodeJSON(task.Steps), encodeJSON(task.Result), task.Error,
		task.UpdatedAtMS, taskID)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLite) TaskStats(ctx context.Context, sessionID string) (map[string]int64, error) {
	query := `SELECT status, COUNT(*) FROM digital_tasks GROUP BY status`
	args := []any{}
	if sessionID != "" {
		query = `SELECT status, COUNT(*) FROM digital_tasks WHERE session_id = ? GROUP BY status`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *SQLite) EnqueuePushUpdate(ctx context.Context, p *PushUpdate) error {
	return s.exec(ctx, `
		INSERT INTO digital_task_push_queue
			(task_id, device_id, session_id, status, payload, attempts, next_attempt_at_ms, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, task_id, status) DO UPDATE SET
			payload = excluded.payload,
			next_attempt_at_ms = excluded.next_attempt_at_ms,
			last_error = excluded.last_error`,
		p.TaskID, p.DeviceID, p.SessionID, p.Status, encodeJSON(p.Payload),
		p.Attempts, p.NextAttemptAtMS, p.LastError)
}

func (s *SQLite) ListPendingPushUpdates(ctx context.Context, deviceID string, nowMS int64, limit int) ([]*PushUpdate, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, device_id, session_id, status, payload, attempts, next_attempt_at_ms, sent_at_ms, last_error
		FROM digital_task_push_queue
		WHERE device_id = ? AND sent_at_ms = 0 AND next_attempt_at_ms <= ?
		ORDER BY id ASC LIMIT ?`, deviceID, nowMS, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PushUpdate
	for rows.Next() {
		var p PushUpdate
		var payload string
		if err := rows.Scan(&p.ID, &p.TaskID, &p.DeviceID, &p.SessionID, &p.Status, &payload,
			&p.Attempts, &p.NextAttemptAtMS, &p.SentAtMS, &p.LastError); err != nil {
			return nil, err
		}
		p.Payload = decodeMap(payload)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkPushUpdateSent(ctx context.Context, id int64, sentAtMS int64) error {
	return s.exec(ctx,
		`UPDATE digital_task_push_queue SET sent_at_ms = ? WHERE id = ?`, sentAtMS, id)
}

func (s *SQLite) MarkPushUpdateRetry(ctx context.Context, id int64, lastError string, nextAttemptAtMS int64) error {
	return s.exec(ctx, `
		UPDATE digital_task_push_queue
		SET attempts = attempts + 1, last_error = ?, next_attempt_at_ms = ?
		WHERE id = ?`, lastError, nextAttemptAtMS, id)
}

func (s *SQLite) CreateDeviceOperation(ctx context.Context, op *DeviceOperation) error {
	return s.exec(ctx, `
		INSERT INTO device_operations
			(operation_id, device_id, type, payload, status, attempts, next_attempt_at_ms, error, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.DeviceID, op.Type, encodeJSON(op.Payload), op.Status,
		op.Attempts, op.NextAttemptAtMS, op.Error, op.CreatedAtMS, op.UpdatedAtMS)
}

func (s *SQLite) GetDeviceOperation(ctx context.Context, operationID string) (*DeviceOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT operation_id, device_id, type, payload, status, attempts, next_attempt_at_ms, error, created_at_ms, updated_at_ms
		FROM device_operations WHERE operation_id = ?`, operationID)
	var op DeviceOperation
	var payload string
	err := row.Scan(&op.OperationID, &op.DeviceID, &op.Type, &payload, &op.Status,
		&op.Attempts, &op.NextAttemptAtMS, &op.Error, &op.CreatedAtMS, &op.UpdatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	op.Payload = decodeMap(payload)
	return &op, nil
}

func (s *SQLite) ListDeviceOperations(ctx context.Context, q OperationQuery) ([]*DeviceOperation, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, device_id, type, payload, status, attempts, next_attempt_at_ms, error, created_at_ms, updated_at_ms
		FROM device_operations WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at_ms DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DeviceOperation
	for rows.Next() {
		var op DeviceOperation
		var payload string
		if err := rows.Scan(&op.OperationID, &op.DeviceID, &op.Type, &payload, &op.Status,
			&op.Attempts, &op.NextAttemptAtMS, &op.Error, &op.CreatedAtMS, &op.UpdatedAtMS); err != nil {
			return nil, err
		}
		op.Payload = decodeMap(payload)
		out = append(out, &op)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkDeviceOperation(ctx context.Context, operationID, status, opError string, ackedAtMS int64) error {
	return s.exec(ctx, `
		UPDATE device_operations SET status = ?, error = ?, updated_at_ms = ?, attempts = attempts + 1
		WHERE operation_id = ?`, status, opError, ackedAtMS, operationID)
}

func (s *SQLite) UpsertDevice(ctx context.Context, d *Device) error {
	return s.exec(ctx, `
		INSERT INTO devices (device_id, token, status, user_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			token = excluded.token,
			status = excluded.status,
			user_id = excluded.user_id,
			updated_at_ms = excluded.updated_at_ms`,
		d.DeviceID, d.Token, d.Status, d.UserID, d.CreatedAtMS, d.UpdatedAtMS)
}

func (s *SQLite) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, token, status, user_id, created_at_ms, updated_at_ms
		FROM devices WHERE device_id = ?`, deviceID)
	var d Device
	err := row.Scan(&d.DeviceID, &d.Token, &d.Status, &d.UserID, &d.CreatedAtMS, &d.UpdatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLite) AppendThoughtTrace(ctx context.Context, tr *ThoughtTrace) error {
	return s.exec(ctx, `
		INSERT INTO thought_traces (session_id, trace_id, content, ts_ms)
		VALUES (?, ?, ?, ?)`, tr.SessionID, tr.TraceID, tr.Content, tr.TSMS)
}

func (s *SQLite) AppendObservabilitySample(ctx context.Context, sample *ObservabilitySample) error {
	return s.exec(ctx, `
		INSERT INTO runtime_observability_samples (ts_ms, sample)
		VALUES (?, ?)`, sample.TSMS, encodeJSON(sample.Sample))
}

func (s *SQLite) ListObservabilitySamples(ctx context.Context, sinceMS int64, limit int) ([]*ObservabilitySample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_ms, sample FROM runtime_observability_samples
		WHERE ts_ms >= ? ORDER BY ts_ms ASC LIMIT ?`, sinceMS, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ObservabilitySample
	for rows.Next() {
		var sample ObservabilitySample
		var raw string
		if err := rows.Scan(&sample.ID, &sample.TSMS, &raw); err != nil {
			return nil, err
		}
		sample.Sample = decodeMap(raw)
		out = append(out, &sample)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
