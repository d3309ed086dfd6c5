// Package checkpoint owns the engine's durable state: migration runs,
// per-entity checkpoints, the differential audit trail, per-entity content
// hashes for checksum detection, and the execution log. SQLite keeps the
// store embeddable and crash-safe; a fresh process replays from here.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store manages engine state in SQLite.
type Store struct {
	db *sql.DB

	// Serializes checkpoint read/write per entity so a resume never
	// observes a checkpoint mid-write.
	mu      sync.Mutex
	entityM map[string]*sync.Mutex
}

// Run represents a migration run.
type Run struct {
	ID          string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string // pending, running, paused, completed, failed
	Config      string
}

// Checkpoint is the durable progress record for one (entity, run) pair.
// The migration executor is its only writer.
type Checkpoint struct {
	ID                  string
	EntityType          string
	MigrationRunID      string
	LastProcessedCursor string
	BatchPosition       int
	RecordsProcessed    int64
	RecordsRemaining    int64
	CheckpointData      map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DataDifferential is one audit-trail row describing a detected
// discrepancy between source and destination. Rows are created by the
// conflict resolver's detection phase, flipped to resolved by its
// resolution phase, and never deleted.
type DataDifferential struct {
	ID                 string
	EntityType         string
	SourceTable        string
	TargetTable        string
	ComparisonType     string // missing_records, conflicted_records, deleted_records
	LegacyIDs          []string
	RecordCount        int
	ComparisonCriteria map[string]any
	ResolutionStrategy string
	Resolved           bool
	ResolvedAt         *time.Time
	Metadata           map[string]any
	CreatedAt          time.Time
}

// LogEntry is one execution-log record exposed to external collaborators.
type LogEntry struct {
	SessionID       string
	EntityType      string
	OperationType   string
	LogLevel        string
	Message         string
	ErrorDetails    string
	PerformanceData map[string]any
	ContextData     map[string]any
	Timestamp       time.Time
}

// New opens (creating if needed) the store under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "driftsync.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, entityM: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		run_id TEXT NOT NULL REFERENCES runs(id),
		last_cursor TEXT,
		batch_position INTEGER NOT NULL DEFAULT 0,
		records_processed INTEGER NOT NULL DEFAULT 0,
		records_remaining INTEGER NOT NULL DEFAULT 0,
		checkpoint_data TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(run_id, entity_type)
	);

	CREATE TABLE IF NOT EXISTS differentials (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		source_table TEXT NOT NULL,
		target_table TEXT NOT NULL,
		comparison_type TEXT NOT NULL,
		legacy_ids TEXT NOT NULL,
		record_count INTEGER NOT NULL,
		comparison_criteria TEXT,
		resolution_strategy TEXT,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT,
		metadata TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entity_hashes (
		entity_type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, record_id)
	);

	CREATE TABLE IF NOT EXISTS entity_migrations (
		entity_type TEXT PRIMARY KEY,
		last_migrated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		entity_type TEXT,
		operation_type TEXT NOT NULL,
		log_level TEXT NOT NULL,
		message TEXT NOT NULL,
		error_details TEXT,
		performance_data TEXT,
		context_data TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, entity_type);
	CREATE INDEX IF NOT EXISTS idx_differentials_entity ON differentials(entity_type, resolved);
	CREATE INDEX IF NOT EXISTS idx_log_session ON execution_log(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) entityLock(entityType string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entityM[entityType]
	if !ok {
		m = &sync.Mutex{}
		s.entityM[entityType] = m
	}
	return m
}

const timeLayout = time.RFC3339Nano

// CreateRun creates a new migration run.
func (s *Store) CreateRun(id string, config any) error {
	configJSON, _ := json.Marshal(config)
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, status, config)
		VALUES (?, ?, 'running', ?)
	`, id, time.Now().UTC().Format(timeLayout), string(configJSON))
	return err
}

// UpdateRunStatus sets a run's status without completing it.
func (s *Store) UpdateRunStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, status, id)
	return err
}

// CompleteRun marks a run as terminal with the given status.
func (s *Store) CompleteRun(id, status string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ? WHERE id = ?
	`, status, time.Now().UTC().Format(timeLayout), id)
	return err
}

// GetRun returns a run by id, or nil if not found.
func (s *Store) GetRun(id string) (*Run, error) {
	return s.scanRun(s.db.QueryRow(`
		SELECT id, started_at, completed_at, status, config
		FROM runs WHERE id = ?
	`, id))
}

// GetLastIncompleteRun returns the most recent non-terminal run, or nil.
func (s *Store) GetLastIncompleteRun() (*Run, error) {
	return s.scanRun(s.db.QueryRow(`
		SELECT id, started_at, completed_at, status, config
		FROM runs WHERE status IN ('running', 'paused')
		ORDER BY started_at DESC LIMIT 1
	`))
}

func (s *Store) scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var startedAt string
	var completedAt, cfg sql.NullString
	err := row.Scan(&r.ID, &startedAt, &completedAt, &r.Status, &cfg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.StartedAt, _ = time.Parse(timeLayout, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(timeLayout, completedAt.String)
		r.CompletedAt = &t
	}
	r.Config = cfg.String
	return &r, nil
}

// GetAllRuns returns recent runs for history display.
func (s *Store) GetAllRuns() ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, completed_at, status, config
		FROM runs ORDER BY started_at DESC LIMIT 20
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var completedAt, cfg sql.NullString
		if err := rows.Scan(&r.ID, &startedAt, &completedAt, &r.Status, &cfg); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(timeLayout, completedAt.String)
			r.CompletedAt = &t
		}
		r.Config = cfg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveCheckpoint upserts the checkpoint for (run, entity). The first write
// of a run creates the row; later writes update cursor and counters. The
// row keeps its original id across updates, and cp.ID always reflects the
// stored row on return, so callers can hand the id out for resume.
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	if cp.RecordsProcessed < 0 || cp.RecordsRemaining < 0 {
		return fmt.Errorf("checkpoint invariant violated: negative record counts (processed=%d remaining=%d)",
			cp.RecordsProcessed, cp.RecordsRemaining)
	}

	lock := s.entityLock(cp.EntityType)
	lock.Lock()
	defer lock.Unlock()

	if cp.ID == "" {
		var existing string
		err := s.db.QueryRow(`
			SELECT id FROM checkpoints WHERE run_id = ? AND entity_type = ?
		`, cp.MigrationRunID, cp.EntityType).Scan(&existing)
		switch {
		case err == nil:
			cp.ID = existing
		case err == sql.ErrNoRows:
			cp.ID = uuid.New().String()
		default:
			return fmt.Errorf("looking up checkpoint row: %w", err)
		}
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	dataJSON, _ := json.Marshal(cp.CheckpointData)
	_, err := s.db.Exec(`
		INSERT INTO checkpoints
			(id, entity_type, run_id, last_cursor, batch_position,
			 records_processed, records_remaining, checkpoint_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, entity_type) DO UPDATE SET
			last_cursor = excluded.last_cursor,
			batch_position = excluded.batch_position,
			records_processed = excluded.records_processed,
			records_remaining = excluded.records_remaining,
			checkpoint_data = excluded.checkpoint_data,
			updated_at = excluded.updated_at
	`, cp.ID, cp.EntityType, cp.MigrationRunID, cp.LastProcessedCursor, cp.BatchPosition,
		cp.RecordsProcessed, cp.RecordsRemaining, string(dataJSON),
		cp.CreatedAt.Format(timeLayout), cp.UpdatedAt.Format(timeLayout))
	return err
}

// GetCheckpoint returns a checkpoint by id, or nil if not found.
func (s *Store) GetCheckpoint(id string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, entity_type, run_id, last_cursor, batch_position,
		       records_processed, records_remaining, checkpoint_data, created_at, updated_at
		FROM checkpoints WHERE id = ?
	`, id)
	return scanCheckpoint(row)
}

// GetLatestCheckpoint returns the checkpoint for (run, entity), or nil.
func (s *Store) GetLatestCheckpoint(runID, entityType string) (*Checkpoint, error) {
	lock := s.entityLock(entityType)
	lock.Lock()
	defer lock.Unlock()

	row := s.db.QueryRow(`
		SELECT id, entity_type, run_id, last_cursor, batch_position,
		       records_processed, records_remaining, checkpoint_data, created_at, updated_at
		FROM checkpoints WHERE run_id = ? AND entity_type = ?
	`, runID, entityType)
	return scanCheckpoint(row)
}

// GetCheckpointsForRun returns all checkpoints belonging to a run.
func (s *Store) GetCheckpointsForRun(runID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT id, entity_type, run_id, last_cursor, batch_position,
		       records_processed, records_remaining, checkpoint_data, created_at, updated_at
		FROM checkpoints WHERE run_id = ? ORDER BY entity_type
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRows(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, *cp)
	}
	return cps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOneCheckpoint(sc rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var cursor, data sql.NullString
	var createdAt, updatedAt string
	err := sc.Scan(&cp.ID, &cp.EntityType, &cp.MigrationRunID, &cursor, &cp.BatchPosition,
		&cp.RecordsProcessed, &cp.RecordsRemaining, &data, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	cp.LastProcessedCursor = cursor.String
	if data.Valid && data.String != "" && data.String != "null" {
		if err := json.Unmarshal([]byte(data.String), &cp.CheckpointData); err != nil {
			return nil, fmt.Errorf("decoding checkpoint data: %w", err)
		}
	}
	cp.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	cp.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &cp, nil
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	cp, err := scanOneCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

func scanCheckpointRows(rows *sql.Rows) (*Checkpoint, error) {
	return scanOneCheckpoint(rows)
}

// InsertDifferential appends a new audit row. The id is assigned here.
func (s *Store) InsertDifferential(d *DataDifferential) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.RecordCount = len(d.LegacyIDs)

	idsJSON, _ := json.Marshal(d.LegacyIDs)
	criteriaJSON, _ := json.Marshal(d.ComparisonCriteria)
	metaJSON, _ := json.Marshal(d.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO differentials
			(id, entity_type, source_table, target_table, comparison_type, legacy_ids,
			 record_count, comparison_criteria, resolution_strategy, resolved, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, d.ID, d.EntityType, d.SourceTable, d.TargetTable, d.ComparisonType, string(idsJSON),
		d.RecordCount, string(criteriaJSON), d.ResolutionStrategy, string(metaJSON),
		d.CreatedAt.Format(timeLayout))
	return err
}

// MarkDifferentialResolved flips the audit row to resolved. Already-resolved
// rows are left untouched so resolution stays idempotent.
func (s *Store) MarkDifferentialResolved(id, strategy string) error {
	_, err := s.db.Exec(`
		UPDATE differentials
		SET resolved = 1, resolved_at = ?, resolution_strategy = ?
		WHERE id = ? AND resolved = 0
	`, time.Now().UTC().Format(timeLayout), strategy, id)
	return err
}

// GetDifferential returns an audit row by id, or nil.
func (s *Store) GetDifferential(id string) (*DataDifferential, error) {
	rows, err := s.db.Query(`
		SELECT id, entity_type, source_table, target_table, comparison_type, legacy_ids,
		       record_count, comparison_criteria, resolution_strategy, resolved, resolved_at,
		       metadata, created_at
		FROM differentials WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanDifferential(rows)
}

// GetUnresolvedDifferentials returns unresolved audit rows, optionally
// filtered by entity type (empty means all), in creation order.
func (s *Store) GetUnresolvedDifferentials(entityType string) ([]DataDifferential, error) {
	query := `
		SELECT id, entity_type, source_table, target_table, comparison_type, legacy_ids,
		       record_count, comparison_criteria, resolution_strategy, resolved, resolved_at,
		       metadata, created_at
		FROM differentials WHERE resolved = 0`
	args := []any{}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var diffs []DataDifferential
	for rows.Next() {
		d, err := scanDifferential(rows)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, *d)
	}
	return diffs, rows.Err()
}

func scanDifferential(rows *sql.Rows) (*DataDifferential, error) {
	var d DataDifferential
	var ids string
	var criteria, strategy, resolvedAt, meta sql.NullString
	var resolved int
	var createdAt string
	err := rows.Scan(&d.ID, &d.EntityType, &d.SourceTable, &d.TargetTable, &d.ComparisonType,
		&ids, &d.RecordCount, &criteria, &strategy, &resolved, &resolvedAt, &meta, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &d.LegacyIDs); err != nil {
		return nil, fmt.Errorf("decoding legacy ids: %w", err)
	}
	if criteria.Valid && criteria.String != "null" {
		json.Unmarshal([]byte(criteria.String), &d.ComparisonCriteria)
	}
	if meta.Valid && meta.String != "null" {
		json.Unmarshal([]byte(meta.String), &d.Metadata)
	}
	d.ResolutionStrategy = strategy.String
	d.Resolved = resolved != 0
	if resolvedAt.Valid {
		t, _ := time.Parse(timeLayout, resolvedAt.String)
		d.ResolvedAt = &t
	}
	d.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &d, nil
}

// UpsertEntityHashes stores content hashes for checksum-based detection.
func (s *Store) UpsertEntityHashes(entityType string, hashes map[string]string) error {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO entity_hashes (entity_type, record_id, content_hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, record_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeLayout)
	for id, hash := range hashes {
		if _, err := stmt.Exec(entityType, id, hash, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetEntityHashes loads the stored hash map for an entity. Exceeding limit
// is an invariant violation for the detection pass, never a truncation.
func (s *Store) GetEntityHashes(entityType string, limit int) (map[string]string, error) {
	var count int
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM entity_hashes WHERE entity_type = ?
	`, entityType).Scan(&count); err != nil {
		return nil, err
	}
	if limit > 0 && count > limit {
		return nil, fmt.Errorf("stored hash set for %s has %d records, exceeds ceiling %d", entityType, count, limit)
	}

	rows, err := s.db.Query(`
		SELECT record_id, content_hash FROM entity_hashes WHERE entity_type = ?
	`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hashes := make(map[string]string, count)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		hashes[id] = hash
	}
	return hashes, rows.Err()
}

// SetLastMigrationTimestamp records when an entity last completed migration.
func (s *Store) SetLastMigrationTimestamp(entityType string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO entity_migrations (entity_type, last_migrated_at)
		VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET last_migrated_at = excluded.last_migrated_at
	`, entityType, t.UTC().Format(timeLayout))
	return err
}

// GetLastMigrationTimestamp returns the last completed migration time for
// an entity, or nil if it has never been migrated.
func (s *Store) GetLastMigrationTimestamp(entityType string) (*time.Time, error) {
	var raw string
	err := s.db.QueryRow(`
		SELECT last_migrated_at FROM entity_migrations WHERE entity_type = ?
	`, entityType).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("parsing last migration timestamp: %w", err)
	}
	return &t, nil
}

// AppendLog persists one execution-log entry.
func (s *Store) AppendLog(e *LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	perfJSON, _ := json.Marshal(e.PerformanceData)
	ctxJSON, _ := json.Marshal(e.ContextData)
	_, err := s.db.Exec(`
		INSERT INTO execution_log
			(session_id, entity_type, operation_type, log_level, message,
			 error_details, performance_data, context_data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.EntityType, e.OperationType, e.LogLevel, e.Message,
		e.ErrorDetails, string(perfJSON), string(ctxJSON), e.Timestamp.Format(timeLayout))
	return err
}

// GetLogs returns all log entries for a session in chronological order.
func (s *Store) GetLogs(sessionID string) ([]LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT session_id, entity_type, operation_type, log_level, message,
		       error_details, performance_data, context_data, timestamp
		FROM execution_log WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var entityType, errDetails, perf, ctxData sql.NullString
		var ts string
		if err := rows.Scan(&e.SessionID, &entityType, &e.OperationType, &e.LogLevel,
			&e.Message, &errDetails, &perf, &ctxData, &ts); err != nil {
			return nil, err
		}
		e.EntityType = entityType.String
		e.ErrorDetails = errDetails.String
		if perf.Valid && perf.String != "null" {
			json.Unmarshal([]byte(perf.String), &e.PerformanceData)
		}
		if ctxData.Valid && ctxData.String != "null" {
			json.Unmarshal([]byte(ctxData.String), &e.ContextData)
		}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
