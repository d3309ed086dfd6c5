// Package executor schedules migration tasks across dependency levels,
// processes record ids in strictly sequential batches per entity, persists
// checkpoints at configured intervals, and aggregates results. It is the
// sole writer of checkpoint and session state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftsync/driftsync/internal/checkpoint"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/conflict"
	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/progress"
	"github.com/driftsync/driftsync/internal/source"
)

// SourceReader fetches source snapshots for a batch of record ids.
type SourceReader interface {
	FetchRecords(ctx context.Context, d entity.Descriptor, ids []string) ([]source.Record, error)
}

// DestinationWriter commits a batch of records atomically.
type DestinationWriter interface {
	WriteBatch(ctx context.Context, d entity.Descriptor, records []source.Record) error
}

// CheckpointStore is the durable progress surface the executor owns.
type CheckpointStore interface {
	SaveCheckpoint(cp *checkpoint.Checkpoint) error
	GetCheckpoint(id string) (*checkpoint.Checkpoint, error)
	GetLatestCheckpoint(runID, entityType string) (*checkpoint.Checkpoint, error)
	SetLastMigrationTimestamp(entityType string, t time.Time) error
	AppendLog(e *checkpoint.LogEntry) error
}

// ProgressSink receives per-batch progress events. Implementations must
// never block batch processing; the executor discards the returned
// snapshot.
type ProgressSink interface {
	StartTracking(entityType string, totalRecords int)
	UpdateProgress(entityType string, recordsProcessed int, batchInfo map[string]any) (*progress.Snapshot, error)
}

// Executor runs migration tasks for one session at a time.
type Executor struct {
	src     SourceReader
	dst     DestinationWriter
	store   CheckpointStore
	catalog *entity.Catalog
	cfg     config.ExecutionConfig
	sink    ProgressSink

	pauseRequested atomic.Bool

	mu               sync.Mutex
	status           MigrationStatus
	lastCheckpointID string
	runDone          chan struct{}
}

// New creates an executor. sink may be nil.
func New(src SourceReader, dst DestinationWriter, store CheckpointStore, catalog *entity.Catalog, cfg config.ExecutionConfig, sink ProgressSink) *Executor {
	return &Executor{
		src:     src,
		dst:     dst,
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		sink:    sink,
		status:  MigrationStatus{OverallStatus: StatusPending},
	}
}

// Execute runs the given tasks to completion, pause, or failure. Unknown
// entity types and out-of-range options are configuration errors reported
// before any work starts.
func (e *Executor) Execute(ctx context.Context, runID string, tasks []Task) (*ExecutionResult, error) {
	if errs := e.cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid execution config: %w", errors.Join(errs...))
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no migration tasks supplied")
	}

	byEntity := make(map[string]Task, len(tasks))
	deps := make(map[string][]string, len(tasks))
	types := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, err := e.catalog.Get(t.EntityType); err != nil {
			return nil, err
		}
		if _, dup := byEntity[t.EntityType]; dup {
			return nil, fmt.Errorf("duplicate task for entity type %q", t.EntityType)
		}
		byEntity[t.EntityType] = t
		deps[t.EntityType] = t.Dependencies
		types = append(types, t.EntityType)
	}

	plan := entity.ComputeLevels(deps, types)
	if len(plan.CycleMembers) > 0 {
		logging.Warn("Dependency cycle among %v: each implicated entity demoted to its own level", plan.CycleMembers)
	}

	return e.run(ctx, runID, byEntity, plan, nil)
}

// resumeState carries per-entity resume positions into a run.
type resumeState struct {
	batchOffset      int
	alreadyProcessed int64
	cursor           string
}

func (e *Executor) run(ctx context.Context, runID string, byEntity map[string]Task, plan entity.LevelPlan, resume map[string]resumeState) (*ExecutionResult, error) {
	e.pauseRequested.Store(false)
	started := time.Now().UTC()

	e.mu.Lock()
	e.runDone = make(chan struct{})
	e.status = MigrationStatus{OverallStatus: StatusRunning, StartedAt: &started}
	for et, t := range byEntity {
		e.status.Pending = append(e.status.Pending, et)
		e.status.TotalRecords += int64(len(t.RecordIDs))
	}
	sort.Strings(e.status.Pending)
	runDone := e.runDone
	e.mu.Unlock()
	defer close(runDone)

	result := &ExecutionResult{
		RunID:         runID,
		Levels:        plan.Levels,
		CycleMembers:  plan.CycleMembers,
		StartedAt:     started,
		EntityResults: make(map[string]*EntityResult, len(byEntity)),
	}

	e.logRun(runID, "", "run_started", "info", fmt.Sprintf("executing %d entities across %d levels", len(byEntity), len(plan.Levels)), nil)

	sem := make(chan struct{}, e.cfg.ParallelEntityLimit)
	var resultMu sync.Mutex

	for _, level := range plan.Levels {
		ordered := orderByPriority(level, byEntity)
		var wg sync.WaitGroup
		for _, et := range ordered {
			task := byEntity[et]
			wg.Add(1)
			go func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				var rs resumeState
				if resume != nil {
					rs = resume[task.EntityType]
				}
				er := e.runEntity(ctx, runID, task, rs)

				resultMu.Lock()
				result.EntityResults[task.EntityType] = er
				resultMu.Unlock()
			}()
		}
		wg.Wait()

		if e.pauseRequested.Load() || ctx.Err() != nil {
			break
		}
	}

	// A pause or cancellation during level N leaves later-level entities
	// without a result. Their work only survives through checkpoint rows,
	// so persist one per unstarted entity with its full id list.
	if e.pauseRequested.Load() || ctx.Err() != nil {
		for et, task := range byEntity {
			if _, ok := result.EntityResults[et]; ok {
				continue
			}
			var rs resumeState
			if resume != nil {
				rs = resume[et]
			}
			er := &EntityResult{
				EntityType:       et,
				Status:           EntityPaused,
				TotalRecords:     len(task.RecordIDs) + int(rs.alreadyProcessed),
				ProcessedRecords: int(rs.alreadyProcessed),
			}
			e.persistCheckpoint(runID, et, er, task.RecordIDs, rs.batchOffset, rs.cursor)
			e.logRun(runID, et, "entity_paused", "info",
				fmt.Sprintf("paused before start with %d records remaining", len(task.RecordIDs)), nil)
			result.EntityResults[et] = er
		}
	}

	e.finishRun(result, byEntity)
	return result, nil
}

// runEntity processes one task's batches strictly in order. A failed batch
// halts the entity; other entities are unaffected.
func (e *Executor) runEntity(ctx context.Context, runID string, task Task, rs resumeState) *EntityResult {
	e.setEntityStatus(task.EntityType, StatusRunning)

	desc, _ := e.catalog.Get(task.EntityType)
	er := &EntityResult{
		EntityType:       task.EntityType,
		TotalRecords:     len(task.RecordIDs) + int(rs.alreadyProcessed),
		ProcessedRecords: int(rs.alreadyProcessed),
	}

	if e.sink != nil && rs.batchOffset == 0 {
		e.sink.StartTracking(task.EntityType, er.TotalRecords)
	}
	e.logRun(runID, task.EntityType, "entity_started", "info",
		fmt.Sprintf("%d records in batches of %d", len(task.RecordIDs), e.cfg.BatchSize), nil)

	remaining := task.RecordIDs
	batchNum := rs.batchOffset
	sinceCheckpoint := 0
	cursor := rs.cursor

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			er.Status = EntityFailed
			er.Error = err.Error()
			e.persistCheckpoint(runID, task.EntityType, er, remaining, batchNum, cursor)
			e.setEntityStatus(task.EntityType, StatusFailed)
			return er
		}
		if e.pauseRequested.Load() {
			e.persistCheckpoint(runID, task.EntityType, er, remaining, batchNum, cursor)
			er.Status = EntityPaused
			e.setEntityStatus(task.EntityType, StatusPaused)
			e.logRun(runID, task.EntityType, "entity_paused", "info",
				fmt.Sprintf("paused at batch %d with %d records remaining", batchNum, len(remaining)), nil)
			return er
		}

		size := e.cfg.BatchSize
		if size > len(remaining) {
			size = len(remaining)
		}
		batchIDs := remaining[:size]

		batchNum++
		br := e.processBatch(ctx, desc, batchIDs, batchNum)
		er.Batches = append(er.Batches, br)
		er.ProcessedRecords += br.ProcessedRecords
		er.FailedRecords += br.FailedRecords
		e.addProcessed(int64(br.ProcessedRecords))

		if e.sink != nil {
			if _, perr := e.sink.UpdateProgress(task.EntityType, er.ProcessedRecords, map[string]any{
				"batch_number": batchNum,
				"batch_status": br.Status,
			}); perr != nil {
				logging.Debug("Progress update for %s: %v", task.EntityType, perr)
			}
		}

		if br.Status == BatchFailed {
			er.Status = EntityFailed
			er.Error = fmt.Sprintf("batch %d failed: no records succeeded", batchNum)
			e.persistCheckpoint(runID, task.EntityType, er, remaining, batchNum-1, cursor)
			e.setEntityStatus(task.EntityType, StatusFailed)
			e.logRun(runID, task.EntityType, "entity_failed", "error", er.Error, map[string]any{
				"batch_number": batchNum,
				"errors":       len(br.Errors),
			})
			return er
		}

		cursor = batchIDs[len(batchIDs)-1]
		remaining = remaining[size:]
		sinceCheckpoint++
		if sinceCheckpoint >= e.cfg.CheckpointInterval {
			e.persistCheckpoint(runID, task.EntityType, er, remaining, batchNum, cursor)
			sinceCheckpoint = 0
		}

		if e.cfg.BatchPacing > 0 && len(remaining) > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.BatchPacing):
			}
		}
	}

	e.persistCheckpoint(runID, task.EntityType, er, nil, batchNum, cursor)
	er.Status = EntityCompleted
	if err := e.store.SetLastMigrationTimestamp(task.EntityType, time.Now().UTC()); err != nil {
		logging.Warn("Recording last migration timestamp for %s: %v", task.EntityType, err)
	}
	e.setEntityStatus(task.EntityType, StatusCompleted)
	e.logRun(runID, task.EntityType, "entity_completed", "info",
		fmt.Sprintf("%d processed, %d failed", er.ProcessedRecords, er.FailedRecords), map[string]any{
			"batches": len(er.Batches),
		})
	return er
}

// processBatch runs one batch through the attempt state machine: a
// transient failure sends the attempt back to pending until retries are
// exhausted; a data error falls through to per-record isolation so every
// failed record is reported individually.
func (e *Executor) processBatch(ctx context.Context, desc entity.Descriptor, ids []string, batchNum int) BatchResult {
	br := BatchResult{BatchNumber: batchNum}
	started := time.Now()
	defer func() { br.Duration = time.Since(started) }()

	attempts := e.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			br.RetryCount++
			backoff := e.cfg.RetryBackoff
			if backoff <= 0 {
				backoff = time.Second
			}
			select {
			case <-ctx.Done():
				return e.failBatch(&br, ids, ctx.Err(), true)
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}

		batchCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.BatchTimeout > 0 {
			batchCtx, cancel = context.WithTimeout(ctx, e.cfg.BatchTimeout)
		}
		outcome, err := e.attemptBatch(batchCtx, desc, ids, &br)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			br.Status = outcome
			return br
		}
		lastErr = err
		if !conflict.IsRetryable(err) {
			return e.failBatch(&br, ids, err, false)
		}
		logging.Warn("Transient failure in %s batch %d (attempt %d/%d): %v",
			desc.EntityType, batchNum, attempt+1, attempts, err)
	}
	return e.failBatch(&br, ids, fmt.Errorf("retries exhausted: %w", lastErr), true)
}

// attemptBatch performs one attempt: fetch source snapshots, write the
// whole batch atomically, and on a data error isolate failures per record.
// Returned errors are batch-level; per-record errors land on br directly.
func (e *Executor) attemptBatch(ctx context.Context, desc entity.Descriptor, ids []string, br *BatchResult) (string, error) {
	records, err := e.src.FetchRecords(ctx, desc, ids)
	if err != nil {
		return "", fmt.Errorf("fetching source batch: %w", err)
	}

	found := make(map[string]bool, len(records))
	for _, r := range records {
		found[r.ID] = true
	}
	var missing []RecordError
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, RecordError{
				RecordID:  id,
				Message:   "record no longer present in source",
				Retryable: false,
			})
		}
	}

	if len(records) > 0 {
		err = e.dst.WriteBatch(ctx, desc, records)
		if err != nil && conflict.IsRetryable(err) {
			return "", err
		}
		if err != nil {
			// data error somewhere in the batch: isolate per record
			br.Errors = nil
			br.ProcessedRecords = 0
			br.FailedRecords = 0
			for _, rec := range records {
				if werr := e.dst.WriteBatch(ctx, desc, []source.Record{rec}); werr != nil {
					br.Errors = append(br.Errors, RecordError{
						RecordID:  rec.ID,
						Message:   werr.Error(),
						Retryable: conflict.IsRetryable(werr),
					})
					br.FailedRecords++
				} else {
					br.ProcessedRecords++
				}
			}
			br.Errors = append(br.Errors, missing...)
			br.FailedRecords += len(missing)
			if br.ProcessedRecords == 0 {
				return BatchFailed, nil
			}
			return BatchPartialSuccess, nil
		}
	}

	br.ProcessedRecords = len(records)
	br.FailedRecords = len(missing)
	br.Errors = missing
	switch {
	case br.ProcessedRecords == 0 && br.FailedRecords > 0:
		return BatchFailed, nil
	case br.FailedRecords > 0:
		return BatchPartialSuccess, nil
	default:
		return BatchSuccess, nil
	}
}

func (e *Executor) failBatch(br *BatchResult, ids []string, err error, retryable bool) BatchResult {
	br.Status = BatchFailed
	br.ProcessedRecords = 0
	br.FailedRecords = len(ids)
	br.Errors = []RecordError{{Message: err.Error(), Retryable: retryable}}
	return *br
}

// persistCheckpoint writes the entity's durable progress: cumulative
// counts, the last processed cursor, and the remaining ids needed to
// resume without reprocessing.
func (e *Executor) persistCheckpoint(runID, entityType string, er *EntityResult, remaining []string, batchPos int, cursor string) {
	cp := &checkpoint.Checkpoint{
		EntityType:          entityType,
		MigrationRunID:      runID,
		LastProcessedCursor: cursor,
		BatchPosition:       batchPos,
		RecordsProcessed:    int64(er.ProcessedRecords),
		RecordsRemaining:    int64(len(remaining)),
		CheckpointData: map[string]any{
			"remaining_ids": append([]string(nil), remaining...),
			"cursor":        cursor,
			"failed":        er.FailedRecords,
		},
	}
	if err := e.store.SaveCheckpoint(cp); err != nil {
		logging.Error("Persisting checkpoint for %s: %v", entityType, err)
		return
	}
	er.CheckpointID = cp.ID

	e.mu.Lock()
	e.lastCheckpointID = cp.ID
	e.mu.Unlock()
}

// Pause requests a pause, waits for in-flight batches to complete and
// their checkpoints to persist, and returns the last checkpoint id.
func (e *Executor) Pause(ctx context.Context) (string, error) {
	e.mu.Lock()
	done := e.runDone
	running := e.status.OverallStatus == StatusRunning
	e.mu.Unlock()
	if !running || done == nil {
		return "", fmt.Errorf("no migration is running")
	}

	e.pauseRequested.Store(true)
	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCheckpointID, nil
}

// Resume reconstructs cursor state and remaining work from a checkpoint
// and continues batch numbering where it left off. Records already
// reflected in the checkpoint's processed count are never re-emitted.
func (e *Executor) Resume(ctx context.Context, checkpointID string) (*ExecutionResult, error) {
	cp, err := e.store.GetCheckpoint(checkpointID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", checkpointID, err)
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint %s not found", checkpointID)
	}
	remaining, err := remainingIDs(cp)
	if err != nil {
		return nil, err
	}

	task := Task{EntityType: cp.EntityType, RecordIDs: remaining}
	byEntity := map[string]Task{cp.EntityType: task}
	plan := entity.ComputeLevels(map[string][]string{cp.EntityType: nil}, []string{cp.EntityType})
	resume := map[string]resumeState{cp.EntityType: {
		batchOffset:      cp.BatchPosition,
		alreadyProcessed: cp.RecordsProcessed,
		cursor:           cp.LastProcessedCursor,
	}}

	logging.Info("Resuming %s from checkpoint %s: batch %d, %d records remaining",
		cp.EntityType, checkpointID, cp.BatchPosition, len(remaining))
	return e.run(ctx, cp.MigrationRunID, byEntity, plan, resume)
}

// ResumeRun resumes every entity of a run that has an incomplete
// checkpoint, re-deriving the dependency plan from the catalog.
func (e *Executor) ResumeRun(ctx context.Context, runID string, checkpoints []checkpoint.Checkpoint) (*ExecutionResult, error) {
	byEntity := make(map[string]Task)
	deps := make(map[string][]string)
	resume := make(map[string]resumeState)
	var types []string

	for i := range checkpoints {
		cp := &checkpoints[i]
		if cp.RecordsRemaining == 0 {
			continue
		}
		remaining, err := remainingIDs(cp)
		if err != nil {
			return nil, err
		}
		desc, err := e.catalog.Get(cp.EntityType)
		if err != nil {
			return nil, err
		}
		byEntity[cp.EntityType] = Task{EntityType: cp.EntityType, RecordIDs: remaining, Dependencies: desc.Dependencies}
		deps[cp.EntityType] = desc.Dependencies
		resume[cp.EntityType] = resumeState{
			batchOffset:      cp.BatchPosition,
			alreadyProcessed: cp.RecordsProcessed,
			cursor:           cp.LastProcessedCursor,
		}
		types = append(types, cp.EntityType)
	}
	if len(byEntity) == 0 {
		return nil, fmt.Errorf("run %s has no incomplete checkpoints", runID)
	}

	plan := entity.ComputeLevels(deps, types)
	return e.run(ctx, runID, byEntity, plan, resume)
}

// Status returns a copy of the session-level aggregate.
func (e *Executor) Status() MigrationStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	st.Pending = append([]string(nil), e.status.Pending...)
	st.Running = append([]string(nil), e.status.Running...)
	st.Completed = append([]string(nil), e.status.Completed...)
	st.Failed = append([]string(nil), e.status.Failed...)
	return st
}

func (e *Executor) finishRun(result *ExecutionResult, byEntity map[string]Task) {
	paused := false
	for et := range byEntity {
		er, ok := result.EntityResults[et]
		if !ok {
			// level never started before pause or cancellation
			result.EntityResults[et] = &EntityResult{
				EntityType:   et,
				Status:       EntityPaused,
				TotalRecords: len(byEntity[et].RecordIDs),
			}
			paused = true
			continue
		}
		result.TotalRecordsProcessed += int64(er.ProcessedRecords)
		result.TotalRecordsFailed += int64(er.FailedRecords)
		switch er.Status {
		case EntityCompleted:
			result.EntitiesProcessed = append(result.EntitiesProcessed, et)
		case EntityFailed:
			result.EntitiesFailed = append(result.EntitiesFailed, et)
		case EntityPaused:
			paused = true
		}
	}
	sort.Strings(result.EntitiesProcessed)
	sort.Strings(result.EntitiesFailed)
	result.CompletedAt = time.Now().UTC()

	switch {
	case paused:
		result.OverallStatus = RunPaused
	case len(result.EntitiesFailed) == 0:
		result.OverallStatus = RunCompleted
	case len(result.EntitiesProcessed) == 0:
		result.OverallStatus = RunFailed
	default:
		result.OverallStatus = RunPartial
	}

	result.Recovery = e.buildRecovery(result)

	e.mu.Lock()
	switch result.OverallStatus {
	case RunPaused:
		e.status.OverallStatus = StatusPaused
	case RunCompleted:
		e.status.OverallStatus = StatusCompleted
		now := result.CompletedAt
		e.status.CompletedAt = &now
	default:
		e.status.OverallStatus = StatusFailed
		now := result.CompletedAt
		e.status.CompletedAt = &now
	}
	e.mu.Unlock()

	e.logRun(result.RunID, "", "run_finished", "info",
		fmt.Sprintf("status=%s processed=%d failed=%d", result.OverallStatus,
			result.TotalRecordsProcessed, result.TotalRecordsFailed),
		map[string]any{"entities_failed": len(result.EntitiesFailed)})
}

// buildRecovery reports whether resumption is possible and what to do next.
func (e *Executor) buildRecovery(result *ExecutionResult) Recovery {
	rec := Recovery{}
	for _, er := range result.EntityResults {
		if (er.Status == EntityFailed || er.Status == EntityPaused) && er.CheckpointID != "" {
			rec.Resumable = true
			rec.LastCheckpointID = er.CheckpointID
		}
	}
	e.mu.Lock()
	if e.lastCheckpointID != "" && rec.LastCheckpointID == "" {
		rec.LastCheckpointID = e.lastCheckpointID
	}
	e.mu.Unlock()

	if rec.Resumable {
		rec.RecommendedActions = append(rec.RecommendedActions,
			fmt.Sprintf("resume from checkpoint %s to continue without reprocessing", rec.LastCheckpointID))
	}
	processed := result.TotalRecordsProcessed
	failed := result.TotalRecordsFailed
	threshold := e.cfg.FailureRateThreshold
	if threshold <= 0 {
		threshold = 0.10
	}
	if processed+failed > 0 && float64(failed)/float64(processed+failed) > threshold {
		rec.RecommendedActions = append(rec.RecommendedActions,
			"high failure rate - investigate data quality before retrying")
	}
	if len(result.CycleMembers) > 0 {
		rec.RecommendedActions = append(rec.RecommendedActions,
			fmt.Sprintf("dependency cycle among %v was degraded to sequential levels - review entity dependencies", result.CycleMembers))
	}
	return rec
}

func (e *Executor) setEntityStatus(entityType, to string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, set := range []*[]string{&e.status.Pending, &e.status.Running, &e.status.Completed, &e.status.Failed} {
		for i, et := range *set {
			if et == entityType {
				*set = append((*set)[:i], (*set)[i+1:]...)
				break
			}
		}
	}
	switch to {
	case StatusRunning:
		e.status.Running = append(e.status.Running, entityType)
	case StatusCompleted:
		e.status.Completed = append(e.status.Completed, entityType)
	case StatusFailed:
		e.status.Failed = append(e.status.Failed, entityType)
	case StatusPaused:
		e.status.Pending = append(e.status.Pending, entityType)
	}
}

func (e *Executor) addProcessed(n int64) {
	e.mu.Lock()
	e.status.ProcessedRecords += n
	e.mu.Unlock()
}

func (e *Executor) logRun(runID, entityType, op, level, msg string, perf map[string]any) {
	err := e.store.AppendLog(&checkpoint.LogEntry{
		SessionID:       runID,
		EntityType:      entityType,
		OperationType:   op,
		LogLevel:        level,
		Message:         msg,
		PerformanceData: perf,
		Timestamp:       time.Now().UTC(),
	})
	if err != nil {
		logging.Debug("Appending execution log: %v", err)
	}
}

// orderByPriority sorts a level's entities by descending task priority,
// then name, so higher-priority entities acquire workers first.
func orderByPriority(level []string, byEntity map[string]Task) []string {
	out := append([]string(nil), level...)
	sort.Slice(out, func(i, j int) bool {
		pi, pj := byEntity[out[i]].Priority, byEntity[out[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return out[i] < out[j]
	})
	return out
}

func remainingIDs(cp *checkpoint.Checkpoint) ([]string, error) {
	raw, ok := cp.CheckpointData["remaining_ids"]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s carries no remaining id state", cp.ID)
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("checkpoint %s has malformed remaining id state", cp.ID)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("checkpoint %s has malformed remaining id state", cp.ID)
	}
}
