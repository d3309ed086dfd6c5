// Package source reads the legacy schema. The legacy side is usually SQL
// Server, but installs that already re-platformed can point at PostgreSQL;
// both go through database/sql with the driver picked from config.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/entity"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// Key identifies one source row during a detection scan: its primary key
// and, when the entity has a modification column, its last-modified time.
type Key struct {
	ID         string
	ModifiedAt *time.Time
}

// Record is a full field snapshot of one row.
type Record struct {
	ID         string
	ModifiedAt *time.Time
	Fields     map[string]any
}

// PoolStats contains connection pool statistics.
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
}

// Pool manages connections to the legacy database.
type Pool struct {
	db     *sql.DB
	dbType string // "mssql" or "postgres"
}

// NewPool opens a connection pool to the legacy database.
func NewPool(cfg *config.Config) (*Pool, error) {
	driver := "sqlserver"
	if cfg.Source.Type == "postgres" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, cfg.SourceDSN())
	if err != nil {
		return nil, fmt.Errorf("opening source connection: %w", err)
	}

	maxConns := cfg.Source.MaxConns
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging source database: %w", err)
	}

	return &Pool{db: db, dbType: cfg.Source.Type}, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}

// DB returns the underlying database handle.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Stats returns current connection pool statistics.
func (p *Pool) Stats() PoolStats {
	stats := p.db.Stats()
	return PoolStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
	}
}

// placeholder returns the driver-specific parameter marker for position i (1-based).
func (p *Pool) placeholder(i int) string {
	if p.dbType == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return fmt.Sprintf("@p%d", i)
}

// quote quotes a column identifier for the source dialect.
func (p *Pool) quote(col string) string {
	if p.dbType == "postgres" {
		return fmt.Sprintf("%q", col)
	}
	return fmt.Sprintf("[%s]", col)
}

// limitedSelect builds a SELECT with a row limit in the source dialect.
func (p *Pool) limitedSelect(columns, table, where, orderBy string, limit int) string {
	if p.dbType == "postgres" {
		q := fmt.Sprintf("SELECT %s FROM %s", columns, table)
		if where != "" {
			q += " WHERE " + where
		}
		return fmt.Sprintf("%s ORDER BY %s LIMIT %d", q, orderBy, limit)
	}
	q := fmt.Sprintf("SELECT TOP (%d) %s FROM %s", limit, columns, table)
	if where != "" {
		q += " WHERE " + where
	}
	return fmt.Sprintf("%s ORDER BY %s", q, orderBy)
}

// Count returns the row count of an entity's source table.
func (p *Pool) Count(ctx context.Context, d entity.Descriptor) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", d.SourceTable)
	if err := p.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s: %w", d.SourceTable, err)
	}
	return count, nil
}

// ScanKeys returns up to limit keys with primary key strictly greater than
// afterID (empty means from the start), ordered by primary key. When the
// entity declares a modification column it is included in each key.
func (p *Pool) ScanKeys(ctx context.Context, d entity.Descriptor, afterID string, limit int) ([]Key, error) {
	pk := p.quote(d.PrimaryKey)
	columns := pk
	if d.ModifiedColumn != "" {
		columns += ", " + p.quote(d.ModifiedColumn)
	}

	var where string
	var args []any
	if afterID != "" {
		where = fmt.Sprintf("%s > %s", pk, p.placeholder(1))
		args = append(args, afterID)
	}

	query := p.limitedSelect(columns, d.SourceTable, where, pk, limit)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning keys of %s: %w", d.SourceTable, err)
	}
	defer rows.Close()

	return scanKeys(rows, d.ModifiedColumn != "")
}

// ScanKeysModifiedSince returns up to limit keys whose modification
// timestamp is strictly greater than cursor, with primary key strictly
// greater than afterID for batch continuation, ordered by primary key.
func (p *Pool) ScanKeysModifiedSince(ctx context.Context, d entity.Descriptor, cursor time.Time, afterID string, limit int) ([]Key, error) {
	if d.ModifiedColumn == "" {
		return nil, fmt.Errorf("entity %s has no modified_column; timestamp detection unavailable", d.EntityType)
	}
	pk := p.quote(d.PrimaryKey)
	mod := p.quote(d.ModifiedColumn)
	columns := pk + ", " + mod

	where := fmt.Sprintf("%s > %s", mod, p.placeholder(1))
	args := []any{cursor}
	if afterID != "" {
		where += fmt.Sprintf(" AND %s > %s", pk, p.placeholder(2))
		args = append(args, afterID)
	}

	query := p.limitedSelect(columns, d.SourceTable, where, pk, limit)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning modified keys of %s: %w", d.SourceTable, err)
	}
	defer rows.Close()

	return scanKeys(rows, true)
}

func scanKeys(rows *sql.Rows, hasModified bool) ([]Key, error) {
	var keys []Key
	for rows.Next() {
		var k Key
		var id any
		if hasModified {
			var mod sql.NullTime
			if err := rows.Scan(&id, &mod); err != nil {
				return nil, err
			}
			if mod.Valid {
				t := mod.Time
				k.ModifiedAt = &t
			}
		} else {
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
		}
		k.ID = formatID(id)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// FetchRecords returns full field snapshots for the given record ids.
// Results come back in primary-key order, not input order.
func (p *Pool) FetchRecords(ctx context.Context, d entity.Descriptor, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pk := p.quote(d.PrimaryKey)
	markers := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		markers[i] = p.placeholder(i + 1)
		args[i] = id
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s IN (%s) ORDER BY %s",
		d.SourceTable, pk, strings.Join(markers, ", "), pk)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching records of %s: %w", d.SourceTable, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		rec := Record{Fields: make(map[string]any, len(cols))}
		for i, col := range cols {
			v := normalizeValue(values[i])
			rec.Fields[col] = v
			if strings.EqualFold(col, d.PrimaryKey) {
				rec.ID = formatID(v)
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

// normalizeValue converts driver byte slices to strings so snapshots are
// comparable and JSON-friendly.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// formatID renders a primary key value as its canonical string form.
func formatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case []byte:
		return string(id)
	case int64:
		return fmt.Sprintf("%d", id)
	case int32:
		return fmt.Sprintf("%d", id)
	case int:
		return fmt.Sprintf("%d", id)
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprintf("%v", id)
	}
}
