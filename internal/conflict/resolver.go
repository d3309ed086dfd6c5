// Package conflict detects destination rows that were independently
// modified after their last migration and resolves them under a configured
// strategy, recording every detected conflict as a durable audit row.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/checkpoint"
	"github.com/driftsync/driftsync/internal/detect"
	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/source"
	"github.com/driftsync/driftsync/internal/target"
)

// Resolution strategies.
const (
	SourceWins = "source_wins"
	TargetWins = "target_wins"
	Manual     = "manual"
)

// Per-conflict resolution statuses.
const (
	StatusResolved      = "resolved"
	StatusSkipped       = "skipped"
	StatusFailed        = "failed"
	StatusPendingManual = "pending_manual"
)

// AuditStore is the durable side of conflict handling: differential rows
// are inserted by detection and flipped to resolved by resolution, never
// deleted.
type AuditStore interface {
	InsertDifferential(d *checkpoint.DataDifferential) error
	MarkDifferentialResolved(id, strategy string) error
	GetUnresolvedDifferentials(entityType string) ([]checkpoint.DataDifferential, error)
	GetLastMigrationTimestamp(entityType string) (*time.Time, error)
}

// SourceReader fetches current source snapshots for conflicted rows.
type SourceReader interface {
	FetchRecords(ctx context.Context, d entity.Descriptor, ids []string) ([]source.Record, error)
}

// DestinationStore is the write surface resolution needs on the
// destination side.
type DestinationStore interface {
	ScanKeys(ctx context.Context, d entity.Descriptor, afterID string, limit int) ([]source.Key, error)
	FetchRecords(ctx context.Context, d entity.Descriptor, ids []string) ([]source.Record, error)
	WriteBatch(ctx context.Context, d entity.Descriptor, records []source.Record) error
	BackupRecords(ctx context.Context, d entity.Descriptor, ids []string) (*target.BackupInfo, error)
}

// Options control a resolution pass.
type Options struct {
	DryRun                  bool
	CreateBackup            bool
	MaxRetries              int
	RetryBackoff            time.Duration
	ValidateAfterResolution bool
	BatchSize               int
}

// Result is the outcome of resolving one differential.
type Result struct {
	DifferentialID   string             `json:"differential_id"`
	EntityType       string             `json:"entity_type"`
	Strategy         string             `json:"strategy"`
	Status           string             `json:"status"`
	RecordsWritten   int                `json:"records_written"`
	RetryCount       int                `json:"retry_count"`
	Backup           *target.BackupInfo `json:"backup,omitempty"`
	ValidationPassed *bool              `json:"validation_passed,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// Summary aggregates a resolve-all pass.
type Summary struct {
	Strategy      string   `json:"strategy"`
	Total         int      `json:"total"`
	Resolved      int      `json:"resolved"`
	Skipped       int      `json:"skipped"`
	Failed        int      `json:"failed"`
	PendingManual int      `json:"pending_manual"`
	DryRun        bool     `json:"dry_run"`
	Results       []Result `json:"results"`
}

// Resolver detects and resolves conflicted destination rows.
type Resolver struct {
	store   AuditStore
	src     SourceReader
	dst     DestinationStore
	catalog *entity.Catalog
}

// New creates a resolver.
func New(store AuditStore, src SourceReader, dst DestinationStore, catalog *entity.Catalog) *Resolver {
	return &Resolver{store: store, src: src, dst: dst, catalog: catalog}
}

// DetectConflicts scans the destination for rows modified after the
// entity's last successful migration whose content now differs from the
// current source row, and records them as one conflicted_records
// differential. A destination edit that matches the source (or predates
// the last migration) is not a conflict.
func (r *Resolver) DetectConflicts(ctx context.Context, entityType string, batchSize int) (*checkpoint.DataDifferential, error) {
	desc, err := r.catalog.Get(entityType)
	if err != nil {
		return nil, err
	}
	lastMigration, err := r.store.GetLastMigrationTimestamp(entityType)
	if err != nil {
		return nil, fmt.Errorf("reading last migration timestamp for %s: %w", entityType, err)
	}
	if lastMigration == nil {
		logging.Debug("No prior migration for %s, skipping conflict detection", entityType)
		return nil, nil
	}

	var conflicted []string
	mismatches := make(map[string]any)
	afterID := ""
	for {
		keys, err := r.dst.ScanKeys(ctx, desc, afterID, batchSize)
		if err != nil {
			return nil, fmt.Errorf("scanning destination %s: %w", entityType, err)
		}
		if len(keys) == 0 {
			break
		}

		var candidates []string
		for _, k := range keys {
			if k.ModifiedAt != nil && k.ModifiedAt.After(*lastMigration) {
				candidates = append(candidates, k.ID)
			}
		}
		if len(candidates) > 0 {
			ids, detail, err := r.compareCandidates(ctx, desc, candidates)
			if err != nil {
				return nil, err
			}
			conflicted = append(conflicted, ids...)
			for k, v := range detail {
				mismatches[k] = v
			}
		}

		if len(keys) < batchSize {
			break
		}
		afterID = keys[len(keys)-1].ID
	}

	if len(conflicted) == 0 {
		return nil, nil
	}
	sort.Strings(conflicted)

	diff := &checkpoint.DataDifferential{
		EntityType:     entityType,
		SourceTable:    desc.SourceTable,
		TargetTable:    desc.DestinationTable,
		ComparisonType: "conflicted_records",
		LegacyIDs:      conflicted,
		ComparisonCriteria: map[string]any{
			"compared_fields":     desc.CompareColumns,
			"timestamp_threshold": lastMigration.UTC().Format(time.RFC3339Nano),
		},
		Metadata: mismatches,
	}
	if err := r.store.InsertDifferential(diff); err != nil {
		return nil, fmt.Errorf("recording conflict differential for %s: %w", entityType, err)
	}
	logging.Info("Detected %d conflicted %s records modified after %s",
		len(conflicted), entityType, lastMigration.Format(time.RFC3339))
	return diff, nil
}

// compareCandidates hash-compares candidate rows on both sides and returns
// the genuinely divergent ids plus field-level mismatch detail.
func (r *Resolver) compareCandidates(ctx context.Context, desc entity.Descriptor, ids []string) ([]string, map[string]any, error) {
	srcRecs, err := r.src.FetchRecords(ctx, desc, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching source rows: %w", err)
	}
	dstRecs, err := r.dst.FetchRecords(ctx, desc, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching destination rows: %w", err)
	}

	srcByID := make(map[string]source.Record, len(srcRecs))
	for _, rec := range srcRecs {
		srcByID[rec.ID] = rec
	}

	var conflicted []string
	detail := make(map[string]any)
	for _, dstRec := range dstRecs {
		srcRec, ok := srcByID[dstRec.ID]
		if !ok {
			continue // deleted on source, handled by delete detection
		}
		srcHash := detect.CanonicalHash(srcRec.Fields, desc.CompareColumns)
		dstHash := detect.CanonicalHash(dstRec.Fields, desc.CompareColumns)
		if srcHash == dstHash {
			continue
		}
		conflicted = append(conflicted, dstRec.ID)
		detail[dstRec.ID] = divergentFields(srcRec.Fields, dstRec.Fields, desc.CompareColumns)
	}
	return conflicted, detail, nil
}

// divergentFields names the comparison fields whose values differ.
func divergentFields(src, dst map[string]any, compareColumns []string) []string {
	cols := compareColumns
	if len(cols) == 0 {
		for c := range src {
			cols = append(cols, c)
		}
		sort.Strings(cols)
	}
	var out []string
	for _, c := range cols {
		a := detect.CanonicalHash(map[string]any{c: src[c]}, nil)
		b := detect.CanonicalHash(map[string]any{c: dst[c]}, nil)
		if a != b {
			out = append(out, c)
		}
	}
	return out
}

// ResolveAllConflicts loads every unresolved differential (optionally for
// one entity; empty means all) and resolves each under the given strategy.
func (r *Resolver) ResolveAllConflicts(ctx context.Context, entityType, strategy string, opts Options) (*Summary, error) {
	conflicts, err := r.store.GetUnresolvedDifferentials(entityType)
	if err != nil {
		return nil, fmt.Errorf("loading unresolved differentials: %w", err)
	}
	results, err := r.ResolveConflicts(ctx, conflicts, strategy, opts)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Strategy: strategy, Total: len(results), DryRun: opts.DryRun, Results: results}
	for _, res := range results {
		switch res.Status {
		case StatusResolved:
			summary.Resolved++
		case StatusSkipped:
			summary.Skipped++
		case StatusFailed:
			summary.Failed++
		case StatusPendingManual:
			summary.PendingManual++
		}
	}
	logging.Info("Conflict resolution pass: %d total, %d resolved, %d skipped, %d failed, %d pending manual",
		summary.Total, summary.Resolved, summary.Skipped, summary.Failed, summary.PendingManual)
	return summary, nil
}

// ResolveConflicts resolves the given differentials. An unknown strategy
// is a configuration error; individual conflict failures are reported per
// result and never abort the pass.
func (r *Resolver) ResolveConflicts(ctx context.Context, conflicts []checkpoint.DataDifferential, strategy string, opts Options) ([]Result, error) {
	switch strategy {
	case SourceWins, TargetWins, Manual:
	default:
		return nil, fmt.Errorf("invalid value for resolution strategy: %q", strategy)
	}

	results := make([]Result, 0, len(conflicts))
	for _, c := range conflicts {
		results = append(results, r.resolveOne(ctx, c, strategy, opts))
	}
	return results, nil
}

func (r *Resolver) resolveOne(ctx context.Context, c checkpoint.DataDifferential, strategy string, opts Options) Result {
	res := Result{DifferentialID: c.ID, EntityType: c.EntityType, Strategy: strategy}

	if c.Resolved {
		res.Status = StatusSkipped
		return res
	}
	if len(c.LegacyIDs) == 0 {
		// trivially consistent, close out the audit row
		res.Status = StatusSkipped
		if !opts.DryRun {
			if err := r.store.MarkDifferentialResolved(c.ID, strategy); err != nil {
				res.Status = StatusFailed
				res.Error = err.Error()
			}
		}
		return res
	}

	switch strategy {
	case Manual:
		res.Status = StatusPendingManual
		return res
	case TargetWins:
		res.Status = StatusResolved
		if opts.DryRun {
			return res
		}
		if err := r.store.MarkDifferentialResolved(c.ID, strategy); err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
		}
		return res
	}

	// source_wins: overwrite the destination with current source values
	desc, err := r.catalog.Get(c.EntityType)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	if opts.CreateBackup && !opts.DryRun {
		backup, err := r.dst.BackupRecords(ctx, desc, c.LegacyIDs)
		if err != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("backing up destination rows: %v", err)
			return res
		}
		res.Backup = backup
	}

	records, err := r.src.FetchRecords(ctx, desc, c.LegacyIDs)
	if err != nil {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("fetching source rows: %v", err)
		return res
	}

	if opts.DryRun {
		res.Status = StatusResolved
		res.RecordsWritten = len(records)
		return res
	}

	if err := r.writeWithRetry(ctx, desc, records, opts, &res); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.RecordsWritten = len(records)

	if opts.ValidateAfterResolution {
		passed, err := r.validate(ctx, desc, c.LegacyIDs)
		if err != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("post-resolution validation: %v", err)
			return res
		}
		res.ValidationPassed = &passed
		if !passed {
			res.Status = StatusFailed
			res.Error = "post-resolution validation found records still diverging"
			return res
		}
	}

	if err := r.store.MarkDifferentialResolved(c.ID, strategy); err != nil {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("marking differential resolved: %v", err)
		return res
	}
	res.Status = StatusResolved
	return res
}

// writeWithRetry drives the batch write through an attempt state machine:
// pending, running, then success, retryable failure back to pending, or
// exhausted failure once maxRetries attempts are spent.
func (r *Resolver) writeWithRetry(ctx context.Context, desc entity.Descriptor, records []source.Record, opts Options, res *Result) error {
	attempts := opts.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			res.RetryCount++
			backoff := opts.RetryBackoff
			if backoff <= 0 {
				backoff = time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		lastErr = r.dst.WriteBatch(ctx, desc, records)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		logging.Warn("Retryable write failure for %s (attempt %d/%d): %v",
			desc.EntityType, attempt+1, attempts, lastErr)
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}

// validate re-reads the targeted rows and verifies none still diverge from
// the current source values.
func (r *Resolver) validate(ctx context.Context, desc entity.Descriptor, ids []string) (bool, error) {
	srcRecs, err := r.src.FetchRecords(ctx, desc, ids)
	if err != nil {
		return false, err
	}
	dstRecs, err := r.dst.FetchRecords(ctx, desc, ids)
	if err != nil {
		return false, err
	}
	dstHash := make(map[string]string, len(dstRecs))
	for _, rec := range dstRecs {
		dstHash[rec.ID] = detect.CanonicalHash(rec.Fields, desc.CompareColumns)
	}
	for _, rec := range srcRecs {
		if detect.CanonicalHash(rec.Fields, desc.CompareColumns) != dstHash[rec.ID] {
			return false, nil
		}
	}
	return true, nil
}

// IsRetryable classifies transient connection-level failures that are
// worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"too many connections",
		"deadlock",
		"serialization failure",
		"i/o error",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
