// Package target writes the redesigned destination schema through pgx.
// Column-level field mapping happens upstream of this engine, so source
// snapshots arrive with destination column names already in place.
package target

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/source"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats contains connection pool statistics.
type PoolStats struct {
	MaxConns      int32
	TotalConns    int32
	AcquiredConns int32
	IdleConns     int32
	AcquireCount  int64
}

// Pool manages a pool of PostgreSQL connections to the destination.
type Pool struct {
	pool *pgxpool.Pool
}

// BackupInfo describes where pre-overwrite snapshots were stored.
type BackupInfo struct {
	BackupID    string    `json:"backup_id"`
	Location    string    `json:"location"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewPool creates a new destination connection pool.
func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DestinationDSN())
	if err != nil {
		return nil, fmt.Errorf("parsing destination dsn: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Destination.MaxConns)
	poolCfg.MinConns = int32(cfg.Destination.MaxConns / 4)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating destination pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging destination database: %w", err)
	}

	return &Pool{pool: pool}, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Ping tests the connection to the database.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Pool returns the underlying pgxpool.
func (p *Pool) Pool() *pgxpool.Pool {
	return p.pool
}

// Stats returns current connection pool statistics.
func (p *Pool) Stats() PoolStats {
	stats := p.pool.Stat()
	return PoolStats{
		MaxConns:      stats.MaxConns(),
		TotalConns:    stats.TotalConns(),
		AcquiredConns: stats.AcquiredConns(),
		IdleConns:     stats.IdleConns(),
		AcquireCount:  stats.AcquireCount(),
	}
}

// Begin starts a destination transaction.
func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.pool.Begin(ctx)
}

// Count returns the row count of an entity's destination table.
func (p *Pool) Count(ctx context.Context, d entity.Descriptor) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", d.DestinationTable)
	if err := p.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s: %w", d.DestinationTable, err)
	}
	return count, nil
}

// ScanKeys returns up to limit destination keys with primary key strictly
// greater than afterID, ordered by primary key.
func (p *Pool) ScanKeys(ctx context.Context, d entity.Descriptor, afterID string, limit int) ([]source.Key, error) {
	pk := pgQuote(d.PrimaryKey)
	columns := pk
	if d.ModifiedColumn != "" {
		columns += ", " + pgQuote(d.ModifiedColumn)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", columns, d.DestinationTable)
	var args []any
	if afterID != "" {
		query += fmt.Sprintf(" WHERE %s > $1", pk)
		args = append(args, afterID)
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT %d", pk, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning keys of %s: %w", d.DestinationTable, err)
	}
	defer rows.Close()

	var keys []source.Key
	for rows.Next() {
		var k source.Key
		var id any
		if d.ModifiedColumn != "" {
			var mod *time.Time
			if err := rows.Scan(&id, &mod); err != nil {
				return nil, err
			}
			k.ModifiedAt = mod
		} else {
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
		}
		k.ID = fmt.Sprintf("%v", id)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ExistingIDs reports which of the given ids are present in the destination.
func (p *Pool) ExistingIDs(ctx context.Context, d entity.Descriptor, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	pk := pgQuote(d.PrimaryKey)
	query := fmt.Sprintf("SELECT %s::text FROM %s WHERE %s::text = ANY($1)",
		pk, d.DestinationTable, pk)

	rows, err := p.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("checking existing ids of %s: %w", d.DestinationTable, err)
	}
	defer rows.Close()

	existing := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// FetchRecords returns full field snapshots for the given destination rows.
func (p *Pool) FetchRecords(ctx context.Context, d entity.Descriptor, ids []string) ([]source.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pk := pgQuote(d.PrimaryKey)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s::text = ANY($1) ORDER BY %s",
		d.DestinationTable, pk, pk)

	rows, err := p.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching records of %s: %w", d.DestinationTable, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var records []source.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := source.Record{Fields: make(map[string]any, len(cols))}
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec.Fields[col] = v
			if strings.EqualFold(col, d.PrimaryKey) {
				rec.ID = fmt.Sprintf("%v", v)
			}
			if d.ModifiedColumn != "" && strings.EqualFold(col, d.ModifiedColumn) {
				if t, ok := v.(time.Time); ok {
					ts := t
					rec.ModifiedAt = &ts
				}
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertRecords writes source snapshots into the destination table inside
// the given transaction, inserting new rows and overwriting existing ones.
func (p *Pool) UpsertRecords(ctx context.Context, tx pgx.Tx, d entity.Descriptor, records []source.Record) error {
	for _, rec := range records {
		cols := make([]string, 0, len(rec.Fields))
		for col := range rec.Fields {
			cols = append(cols, col)
		}
		sort.Strings(cols)

		quoted := make([]string, len(cols))
		markers := make([]string, len(cols))
		updates := make([]string, 0, len(cols))
		args := make([]any, len(cols))
		for i, col := range cols {
			quoted[i] = pgQuote(col)
			markers[i] = fmt.Sprintf("$%d", i+1)
			args[i] = rec.Fields[col]
			if !strings.EqualFold(col, d.PrimaryKey) {
				updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", pgQuote(col), pgQuote(col)))
			}
		}

		query := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			d.DestinationTable,
			strings.Join(quoted, ", "),
			strings.Join(markers, ", "),
			pgQuote(d.PrimaryKey),
			strings.Join(updates, ", "),
		)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upserting record %s into %s: %w", rec.ID, d.DestinationTable, err)
		}
	}
	return nil
}

// WriteBatch upserts source snapshots in one destination transaction. The
// whole batch commits or rolls back together.
func (p *Pool) WriteBatch(ctx context.Context, d entity.Descriptor, records []source.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning destination transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := p.UpsertRecords(ctx, tx, d, records); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch to %s: %w", d.DestinationTable, err)
	}
	return nil
}

// DeleteRecords removes the given rows from the destination table in one
// transaction. Used when delete propagation is enabled.
func (p *Pool) DeleteRecords(ctx context.Context, d entity.Descriptor, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pk := pgQuote(d.PrimaryKey)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s::text = ANY($1)", d.DestinationTable, pk)
	if _, err := p.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("deleting records from %s: %w", d.DestinationTable, err)
	}
	return nil
}

// TableColumns lists the destination table's columns from the catalog,
// used to validate stored field mappings against schema drift.
func (p *Pool) TableColumns(ctx context.Context, d entity.Descriptor) ([]string, error) {
	schema := "public"
	table := d.DestinationTable
	if i := strings.IndexByte(table, '.'); i >= 0 {
		schema, table = table[:i], table[i+1:]
	}

	rows, err := p.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", d.DestinationTable, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// EnsureBackupTable creates the snapshot table used by createBackup runs.
func (p *Pool) EnsureBackupTable(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS driftsync_backups (
			backup_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			snapshot JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (backup_id, record_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("creating backup table: %w", err)
	}
	return nil
}

// BackupRecords snapshots the given destination rows before an overwrite
// and returns a BackupInfo pointing at the recoverable location.
func (p *Pool) BackupRecords(ctx context.Context, d entity.Descriptor, ids []string) (*BackupInfo, error) {
	if err := p.EnsureBackupTable(ctx); err != nil {
		return nil, err
	}

	records, err := p.FetchRecords(ctx, d, ids)
	if err != nil {
		return nil, fmt.Errorf("reading rows for backup: %w", err)
	}

	backupID := uuid.New().String()
	for _, rec := range records {
		snapshot, err := json.Marshal(jsonSafe(rec.Fields))
		if err != nil {
			return nil, fmt.Errorf("encoding backup snapshot for %s: %w", rec.ID, err)
		}
		_, err = p.pool.Exec(ctx, `
			INSERT INTO driftsync_backups (backup_id, entity_type, record_id, snapshot)
			VALUES ($1, $2, $3, $4)
		`, backupID, d.EntityType, rec.ID, snapshot)
		if err != nil {
			return nil, fmt.Errorf("writing backup row for %s: %w", rec.ID, err)
		}
	}

	return &BackupInfo{
		BackupID:    backupID,
		Location:    fmt.Sprintf("table:driftsync_backups;backup_id:%s", backupID),
		RecordCount: len(records),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// jsonSafe renders non-JSON-encodable values as strings.
func jsonSafe(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch tv := v.(type) {
		case time.Time:
			out[k] = tv.Format(time.RFC3339Nano)
		case []byte:
			out[k] = string(tv)
		default:
			out[k] = v
		}
	}
	return out
}

func pgQuote(col string) string {
	return `"` + strings.ReplaceAll(col, `"`, `""`) + `"`
}
