// Package engine wires the migration components together: baseline
// analysis feeds detection, detection feeds conflict handling and task
// building, and the executor drives checkpointed batches while the
// progress tracker observes. The CLI talks only to this package.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/driftsync/driftsync/internal/baseline"
	"github.com/driftsync/driftsync/internal/checkpoint"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/conflict"
	"github.com/driftsync/driftsync/internal/detect"
	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/executor"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/notify"
	"github.com/driftsync/driftsync/internal/progress"
	"github.com/driftsync/driftsync/internal/source"
	"github.com/driftsync/driftsync/internal/target"
	"github.com/google/uuid"
)

// Options tune engine construction.
type Options struct {
	Display bool // per-entity console progress bars
}

// Engine owns the database pools, the checkpoint store, and one instance
// of each migration component for the lifetime of a process.
type Engine struct {
	cfg      *config.Config
	catalog  *entity.Catalog
	store    *checkpoint.Store
	src      *source.Pool
	dst      *target.Pool
	detector *detect.Detector
	analyzer *baseline.Analyzer
	resolver *conflict.Resolver
	exec     *executor.Executor
	tracker  *progress.Tracker
	notifier *notify.Notifier
}

// New connects both databases, opens the checkpoint store, and builds the
// component graph. Invalid configuration fails here, before any work.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, err := range errs {
			logging.Error("Config: %v", err)
		}
		return nil, fmt.Errorf("configuration has %d errors", len(errs))
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.New(cfg.Engine.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	src, err := source.NewPool(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connecting to source: %w", err)
	}
	dst, err := target.NewPool(ctx, cfg)
	if err != nil {
		src.Close()
		store.Close()
		return nil, fmt.Errorf("connecting to destination: %w", err)
	}

	tracker := progress.New(cfg.Engine.Progress, opts.Display)
	e := &Engine{
		cfg:      cfg,
		catalog:  catalog,
		store:    store,
		src:      src,
		dst:      dst,
		detector: detect.New(src, dst, store, catalog),
		analyzer: baseline.New(src, dst, dst, store, catalog, true),
		resolver: conflict.New(store, src, dst, catalog),
		exec:     executor.New(src, dst, store, catalog, cfg.Engine.Execution, tracker),
		tracker:  tracker,
		notifier: notify.New(&cfg.Slack),
	}
	return e, nil
}

// Close releases pools and the checkpoint store.
func (e *Engine) Close() {
	if e.dst != nil {
		e.dst.Close()
	}
	if e.src != nil {
		e.src.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logging.Warn("Closing checkpoint store: %v", err)
		}
	}
}

// Analyze runs baseline analysis over the given entities (all when empty).
func (e *Engine) Analyze(ctx context.Context, entityTypes []string) (*baseline.Report, error) {
	return e.analyzer.Analyze(ctx, entityTypes)
}

// Detect runs one detection pass per entity using the configured strategy,
// with the cursor taken from each entity's last migration timestamp or
// latest checkpoint.
func (e *Engine) Detect(ctx context.Context, entityTypes []string) (map[string]*detect.Result, error) {
	if errs := e.cfg.Engine.Detection.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid detection config: %v", errs[0])
	}
	if len(entityTypes) == 0 {
		entityTypes = e.catalog.Types()
	}

	opts := detect.Options{
		BatchSize:            e.cfg.Engine.Detection.BatchSize,
		IncludeDeletes:       e.cfg.Engine.Detection.IncludeDeletes,
		EnableContentHashing: e.cfg.Engine.Detection.EnableContentHashing,
		MaxAnalysisRecords:   e.cfg.Engine.Detection.MaxAnalysisRecords,
	}

	results := make(map[string]*detect.Result, len(entityTypes))
	for _, et := range entityTypes {
		strategy, err := e.strategyFor(et)
		if err != nil {
			return nil, err
		}
		res, err := e.detector.DetectChanges(ctx, et, strategy, opts)
		if err != nil {
			return nil, fmt.Errorf("detecting changes for %s: %w", et, err)
		}
		if ts, err := e.store.GetLastMigrationTimestamp(et); err == nil {
			res.LastMigrationTimestamp = ts
		}
		results[et] = res
	}
	return results, nil
}

// strategyFor builds the tagged strategy variant for one entity from the
// configured strategy name and the entity's stored cursor state.
func (e *Engine) strategyFor(entityType string) (detect.Strategy, error) {
	switch e.cfg.Engine.Detection.Strategy {
	case "timestamp":
		cursor := time.Time{}
		if ts, err := e.store.GetLastMigrationTimestamp(entityType); err == nil && ts != nil {
			cursor = *ts
		}
		return detect.TimestampStrategy{Cursor: cursor}, nil
	case "id":
		lastID := ""
		if run, err := e.store.GetLastIncompleteRun(); err == nil && run != nil {
			if cp, err := e.store.GetLatestCheckpoint(run.ID, entityType); err == nil && cp != nil {
				lastID = cp.LastProcessedCursor
			}
		}
		return detect.IDStrategy{LastProcessedID: lastID}, nil
	case "checksum":
		return detect.ChecksumStrategy{}, nil
	default:
		return nil, fmt.Errorf("invalid value for detection strategy: %q", e.cfg.Engine.Detection.Strategy)
	}
}

// Run performs a full cycle: detect changes, record missing/deleted
// differentials, and execute the resulting tasks with checkpointing.
func (e *Engine) Run(ctx context.Context, entityTypes []string) (*executor.ExecutionResult, error) {
	runID := uuid.New().String()
	if err := e.store.CreateRun(runID, e.cfg.Sanitized()); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	started := time.Now()

	detections, err := e.Detect(ctx, entityTypes)
	if err != nil {
		e.failRun(runID, err, started)
		return nil, err
	}

	tasks := e.buildTasks(detections)
	if len(tasks) == 0 {
		logging.Info("No changed records detected, nothing to migrate")
		if err := e.store.CompleteRun(runID, "completed"); err != nil {
			logging.Warn("Completing run record: %v", err)
		}
		return &executor.ExecutionResult{RunID: runID, OverallStatus: executor.RunCompleted}, nil
	}

	if err := e.store.UpdateRunStatus(runID, "running"); err != nil {
		logging.Warn("Updating run status: %v", err)
	}
	if err := e.notifier.RunStarted(runID, len(tasks), e.cfg.Engine.Detection.Strategy); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}

	result, err := e.exec.Execute(ctx, runID, tasks)
	if err != nil {
		e.failRun(runID, err, started)
		return nil, err
	}

	e.commitHashes(detections, result)
	e.finishRun(runID, result, started)
	return result, nil
}

// buildTasks converts detection results into executor tasks: new and
// modified ids become upsert work; deleted ids are reported, not
// propagated, unless delete propagation is enabled.
func (e *Engine) buildTasks(detections map[string]*detect.Result) []executor.Task {
	var tasks []executor.Task
	for et, res := range detections {
		e.recordDifferentials(et, res)

		ids := make([]string, 0, len(res.NewRecords)+len(res.ModifiedRecords))
		ids = append(ids, res.NewRecords...)
		ids = append(ids, res.ModifiedRecords...)
		if len(ids) == 0 {
			continue
		}
		desc, err := e.catalog.Get(et)
		if err != nil {
			continue
		}
		tasks = append(tasks, executor.Task{
			EntityType:   et,
			RecordIDs:    ids,
			Dependencies: desc.Dependencies,
		})
	}
	return tasks
}

// recordDifferentials writes missing_records and deleted_records audit
// rows for a detection result so the drift is durable even if this run
// never completes.
func (e *Engine) recordDifferentials(entityType string, res *detect.Result) {
	desc, err := e.catalog.Get(entityType)
	if err != nil {
		return
	}
	criteria := map[string]any{
		"strategy":           res.AnalysisMetadata["strategy"],
		"analysis_timestamp": res.AnalysisTimestamp.Format(time.RFC3339Nano),
	}

	if len(res.NewRecords) > 0 {
		err := e.store.InsertDifferential(&checkpoint.DataDifferential{
			EntityType:         entityType,
			SourceTable:        desc.SourceTable,
			TargetTable:        desc.DestinationTable,
			ComparisonType:     "missing_records",
			LegacyIDs:          res.NewRecords,
			ComparisonCriteria: criteria,
		})
		if err != nil {
			logging.Warn("Recording missing_records differential for %s: %v", entityType, err)
		}
	}
	if len(res.DeletedRecords) > 0 {
		err := e.store.InsertDifferential(&checkpoint.DataDifferential{
			EntityType:         entityType,
			SourceTable:        desc.SourceTable,
			TargetTable:        desc.DestinationTable,
			ComparisonType:     "deleted_records",
			LegacyIDs:          res.DeletedRecords,
			ComparisonCriteria: criteria,
		})
		if err != nil {
			logging.Warn("Recording deleted_records differential for %s: %v", entityType, err)
		}
	}
}

// commitHashes persists checksum-strategy hashes for entities that
// migrated cleanly, so the next pass compares against post-migration
// content.
func (e *Engine) commitHashes(detections map[string]*detect.Result, result *executor.ExecutionResult) {
	for _, et := range result.EntitiesProcessed {
		res, ok := detections[et]
		if !ok {
			continue
		}
		hashes, ok := res.AnalysisMetadata["computed_hashes"].(map[string]string)
		if !ok || len(hashes) == 0 {
			continue
		}
		if err := e.store.UpsertEntityHashes(et, hashes); err != nil {
			logging.Warn("Committing content hashes for %s: %v", et, err)
		}
	}
}

func (e *Engine) finishRun(runID string, result *executor.ExecutionResult, started time.Time) {
	duration := time.Since(started)
	status := "completed"
	switch result.OverallStatus {
	case executor.RunPaused:
		status = "paused"
	case executor.RunFailed:
		status = "failed"
	case executor.RunPartial:
		status = "failed"
	}
	if status == "paused" {
		if err := e.store.UpdateRunStatus(runID, status); err != nil {
			logging.Warn("Updating run record: %v", err)
		}
	} else if err := e.store.CompleteRun(runID, status); err != nil {
		logging.Warn("Completing run record: %v", err)
	}

	var nerr error
	switch result.OverallStatus {
	case executor.RunCompleted:
		throughput := 0.0
		if secs := duration.Seconds(); secs > 0 {
			throughput = float64(result.TotalRecordsProcessed) / secs
		}
		nerr = e.notifier.RunCompleted(runID, duration, len(result.EntitiesProcessed), result.TotalRecordsProcessed, throughput)
	case executor.RunPartial:
		nerr = e.notifier.RunCompletedWithErrors(runID, duration,
			len(result.EntitiesProcessed), len(result.EntitiesFailed),
			result.TotalRecordsProcessed, result.EntitiesFailed)
	case executor.RunFailed:
		nerr = e.notifier.RunFailed(runID, fmt.Errorf("no entity succeeded"), duration)
	}
	if nerr != nil {
		logging.Warn("Slack notification failed: %v", nerr)
	}

	for _, alert := range e.tracker.ActiveAlerts() {
		if err := e.notifier.ProgressAlert(alert.Type, alert.EntityType, alert.Message); err != nil {
			logging.Warn("Forwarding progress alert: %v", err)
		}
	}
}

func (e *Engine) failRun(runID string, err error, started time.Time) {
	if serr := e.store.CompleteRun(runID, "failed"); serr != nil {
		logging.Warn("Completing run record: %v", serr)
	}
	if nerr := e.notifier.RunFailed(runID, err, time.Since(started)); nerr != nil {
		logging.Warn("Slack notification failed: %v", nerr)
	}
}

// Pause asks the running executor to stop after in-flight batches and
// returns the pause checkpoint id.
func (e *Engine) Pause(ctx context.Context) (string, error) {
	return e.exec.Pause(ctx)
}

// Resume continues a paused or failed run. With a checkpoint id it resumes
// that single entity; otherwise it resumes every incomplete entity of the
// last unfinished run.
func (e *Engine) Resume(ctx context.Context, checkpointID string) (*executor.ExecutionResult, error) {
	if checkpointID != "" {
		return e.exec.Resume(ctx, checkpointID)
	}

	run, err := e.store.GetLastIncompleteRun()
	if err != nil {
		return nil, fmt.Errorf("looking up incomplete runs: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("no incomplete run to resume")
	}
	checkpoints, err := e.store.GetCheckpointsForRun(run.ID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoints for run %s: %w", run.ID, err)
	}

	if err := e.store.UpdateRunStatus(run.ID, "running"); err != nil {
		logging.Warn("Updating run status: %v", err)
	}
	result, err := e.exec.ResumeRun(ctx, run.ID, checkpoints)
	if err != nil {
		return nil, err
	}
	e.finishRun(run.ID, result, run.StartedAt)
	return result, nil
}

// DetectConflicts scans every requested entity for independently modified
// destination rows and records them as audit differentials.
func (e *Engine) DetectConflicts(ctx context.Context, entityTypes []string) ([]*checkpoint.DataDifferential, error) {
	if len(entityTypes) == 0 {
		entityTypes = e.catalog.Types()
	}
	batchSize := e.cfg.Engine.Resolution.BatchSize

	var found []*checkpoint.DataDifferential
	for _, et := range entityTypes {
		diff, err := e.resolver.DetectConflicts(ctx, et, batchSize)
		if err != nil {
			return nil, err
		}
		if diff == nil {
			continue
		}
		found = append(found, diff)
		if err := e.notifier.ConflictsDetected(et, diff.RecordCount); err != nil {
			logging.Warn("Slack notification failed: %v", err)
		}
	}
	return found, nil
}

// Resolve resolves unresolved differentials under the configured (or
// overridden) strategy.
func (e *Engine) Resolve(ctx context.Context, entityType, strategyOverride string) (*conflict.Summary, error) {
	rc := e.cfg.Engine.Resolution
	strategy := rc.Strategy
	if strategyOverride != "" {
		strategy = strategyOverride
	}
	opts := conflict.Options{
		DryRun:                  rc.DryRun,
		CreateBackup:            rc.CreateBackup,
		MaxRetries:              rc.MaxRetries,
		RetryBackoff:            e.cfg.Engine.Execution.RetryBackoff,
		ValidateAfterResolution: rc.ValidateAfterResolution,
		BatchSize:               rc.BatchSize,
	}
	return e.resolver.ResolveAllConflicts(ctx, entityType, strategy, opts)
}

// Status reports the executor's session aggregate plus tracker alerts.
func (e *Engine) Status() (executor.MigrationStatus, []progress.Alert) {
	return e.exec.Status(), e.tracker.ActiveAlerts()
}

// Progress returns the tracker's aggregated report.
func (e *Engine) Progress() *progress.Report {
	return e.tracker.Report()
}

// History lists recorded runs, newest first.
func (e *Engine) History() ([]checkpoint.Run, error) {
	return e.store.GetAllRuns()
}

// Logs returns the execution log for one run.
func (e *Engine) Logs(runID string) ([]checkpoint.LogEntry, error) {
	return e.store.GetLogs(runID)
}
