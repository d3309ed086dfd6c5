package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/checkpoint"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/source"
)

type fakeSrc struct {
	mu      sync.Mutex
	records map[string]source.Record
	errs    []error // consumed one per FetchRecords call
}

func (f *fakeSrc) FetchRecords(ctx context.Context, d entity.Descriptor, ids []string) ([]source.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []source.Record
	for _, id := range ids {
		if r, ok := f.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeDst struct {
	mu        sync.Mutex
	writes    map[string]int
	order     []string // entity type per batch write, in commit order
	failIDs   map[string]bool
	transient []error // consumed one per WriteBatch call
}

func newFakeDst() *fakeDst {
	return &fakeDst{writes: make(map[string]int), failIDs: make(map[string]bool)}
}

func (f *fakeDst) WriteBatch(ctx context.Context, d entity.Descriptor, records []source.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transient) > 0 {
		err := f.transient[0]
		f.transient = f.transient[1:]
		if err != nil {
			return err
		}
	}
	for _, r := range records {
		if f.failIDs[r.ID] {
			return fmt.Errorf("record %s: value violates check constraint", r.ID)
		}
	}
	for _, r := range records {
		f.writes[r.ID]++
	}
	f.order = append(f.order, d.EntityType)
	return nil
}

type fakeStore struct {
	mu          sync.Mutex
	checkpoints map[string]*checkpoint.Checkpoint // by id
	byEntity    map[string]string                 // runID|entity -> id
	nextID      int
	logs        []checkpoint.LogEntry
	lastTS      map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checkpoints: make(map[string]*checkpoint.Checkpoint),
		byEntity:    make(map[string]string),
		lastTS:      make(map[string]time.Time),
	}
}

// SaveCheckpoint mirrors the store's upsert contract: a fresh struct gets
// the (run, entity) row's existing id back, never a new one.
func (f *fakeStore) SaveCheckpoint(cp *checkpoint.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cp.MigrationRunID + "|" + cp.EntityType
	if cp.ID == "" {
		if id, ok := f.byEntity[key]; ok {
			cp.ID = id
		} else {
			f.nextID++
			cp.ID = fmt.Sprintf("cp-%d", f.nextID)
		}
	}
	f.byEntity[key] = cp.ID
	copied := *cp
	f.checkpoints[cp.ID] = &copied
	return nil
}

// GetCheckpoint mirrors the store's contract: nil, not an error, for an
// unknown id.
func (f *fakeStore) GetCheckpoint(id string) (*checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[id]
	if !ok {
		return nil, nil
	}
	copied := *cp
	return &copied, nil
}

func (f *fakeStore) GetLatestCheckpoint(runID, entityType string) (*checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byEntity[runID+"|"+entityType]
	if !ok {
		return nil, nil
	}
	copied := *f.checkpoints[id]
	return &copied, nil
}

func (f *fakeStore) SetLastMigrationTimestamp(entityType string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTS[entityType] = t
	return nil
}

func (f *fakeStore) AppendLog(e *checkpoint.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, *e)
	return nil
}

func testCatalog(t *testing.T) *entity.Catalog {
	t.Helper()
	cat, err := entity.NewCatalog([]entity.Descriptor{
		{EntityType: "offices", SourceTable: "dbo.Offices", DestinationTable: "public.offices", PrimaryKey: "id"},
		{EntityType: "doctors", SourceTable: "dbo.Doctors", DestinationTable: "public.doctors", PrimaryKey: "id", Dependencies: []string{"offices"}},
		{EntityType: "patients", SourceTable: "dbo.Patients", DestinationTable: "public.patients", PrimaryKey: "id", Dependencies: []string{"doctors"}},
	})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	return cat
}

func seedRecords(src *fakeSrc, prefix string, n int) []string {
	if src.records == nil {
		src.records = make(map[string]source.Record)
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%03d", prefix, i)
		ids[i] = id
		src.records[id] = source.Record{ID: id, Fields: map[string]any{"id": id}}
	}
	return ids
}

func baseConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		BatchSize:            10,
		CheckpointInterval:   1,
		MaxRetries:           2,
		RetryBackoff:         time.Millisecond,
		ParallelEntityLimit:  2,
		BatchTimeout:         time.Minute,
		FailureRateThreshold: 0.10,
	}
}

func TestExecuteRespectsDependencyOrder(t *testing.T) {
	src := &fakeSrc{}
	officeIDs := seedRecords(src, "off", 5)
	doctorIDs := seedRecords(src, "doc", 5)
	patientIDs := seedRecords(src, "pat", 5)
	dst := newFakeDst()
	store := newFakeStore()

	cfg := baseConfig()
	cfg.ParallelEntityLimit = 1
	ex := New(src, dst, store, testCatalog(t), cfg, nil)

	res, err := ex.Execute(context.Background(), "run-1", []Task{
		{EntityType: "patients", RecordIDs: patientIDs, Dependencies: []string{"doctors"}},
		{EntityType: "doctors", RecordIDs: doctorIDs, Dependencies: []string{"offices"}},
		{EntityType: "offices", RecordIDs: officeIDs},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OverallStatus != RunCompleted {
		t.Fatalf("overall status = %s, want completed", res.OverallStatus)
	}

	wantLevels := [][]string{{"offices"}, {"doctors"}, {"patients"}}
	if len(res.Levels) != len(wantLevels) {
		t.Fatalf("levels = %v, want %v", res.Levels, wantLevels)
	}
	for i, lvl := range wantLevels {
		if len(res.Levels[i]) != 1 || res.Levels[i][0] != lvl[0] {
			t.Errorf("level %d = %v, want %v", i, res.Levels[i], lvl)
		}
	}

	// commit order must follow the levels
	firstWrite := make(map[string]int)
	for i, et := range dst.order {
		if _, seen := firstWrite[et]; !seen {
			firstWrite[et] = i
		}
	}
	if !(firstWrite["offices"] < firstWrite["doctors"] && firstWrite["doctors"] < firstWrite["patients"]) {
		t.Errorf("write order violates dependency levels: %v", firstWrite)
	}
	if res.TotalRecordsProcessed != 15 {
		t.Errorf("total processed = %d, want 15", res.TotalRecordsProcessed)
	}
}

func TestIndependentEntitiesShareALevel(t *testing.T) {
	src := &fakeSrc{}
	officeIDs := seedRecords(src, "off", 2)
	ex := New(src, newFakeDst(), newFakeStore(), testCatalog(t), baseConfig(), nil)

	res, err := ex.Execute(context.Background(), "run-1", []Task{
		{EntityType: "offices", RecordIDs: officeIDs},
		{EntityType: "patients", RecordIDs: nil},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Levels) != 1 || len(res.Levels[0]) != 2 {
		t.Errorf("levels = %v, want both entities in one level", res.Levels)
	}
}

func TestBatchPartialSuccess(t *testing.T) {
	src := &fakeSrc{}
	ids := seedRecords(src, "pat", 50)
	dst := newFakeDst()
	for i := 0; i < 5; i++ {
		dst.failIDs[ids[i*7]] = true
	}
	store := newFakeStore()

	cfg := baseConfig()
	cfg.BatchSize = 50
	ex := New(src, dst, store, testCatalog(t), cfg, nil)

	res, err := ex.Execute(context.Background(), "run-1", []Task{
		{EntityType: "patients", RecordIDs: ids},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	er := res.EntityResults["patients"]
	if len(er.Batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(er.Batches))
	}
	br := er.Batches[0]
	if br.Status != BatchPartialSuccess {
		t.Errorf("batch status = %s, want partial_success", br.Status)
	}
	if br.ProcessedRecords != 45 {
		t.Errorf("processed = %d, want 45", br.ProcessedRecords)
	}
	if br.FailedRecords != 5 {
		t.Errorf("failed = %d, want 5", br.FailedRecords)
	}
	if len(br.Errors) != 5 {
		t.Errorf("errors = %d, want 5", len(br.Errors))
	}
	for _, re := range br.Errors {
		if re.Retryable {
			t.Errorf("constraint violation on %s marked retryable", re.RecordID)
		}
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	src := &fakeSrc{}
	ids := seedRecords(src, "pat", 3)
	dst := newFakeDst()
	dst.transient = []error{errors.New("write: connection reset by peer")}
	store := newFakeStore()

	cfg := baseConfig()
	cfg.BatchSize = 3
	ex := New(src, dst, store, testCatalog(t), cfg, nil)

	res, err := ex.Execute(context.Background(), "run-1", []Task{
		{EntityType: "patients", RecordIDs: ids},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	br := res.EntityResults["patients"].Batches[0]
	if br.Status != BatchSuccess {
		t.Fatalf("batch status = %s (%v), want success after retry", br.Status, br.Errors)
	}
	if br.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", br.RetryCount)
	}
}

func TestFailedEntityDoesNotAbortSiblings(t *testing.T) {
	src := &fakeSrc{}
	officeIDs := seedRecords(src, "off", 4)
	patientIDs := seedRecords(src, "pat", 4)
	dst := newFakeDst()
	for _, id := range patientIDs {
		dst.failIDs[id] = true
	}
	store := newFakeStore()

	cfg := baseConfig()
	cfg.BatchSize = 2
	ex := New(src, dst, store, testCatalog(t), cfg, nil)

	res, err := ex.Execute(context.Background(), "run-1", []Task{
		{EntityType: "offices", RecordIDs: officeIDs},
		{EntityType: "patients", RecordIDs: patientIDs},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OverallStatus != RunPartial {
		t.Errorf("overall status = %s, want partial", res.OverallStatus)
	}
	if len(res.EntitiesProcessed) != 1 || res.EntitiesProcessed[0] != "offices" {
		t.Errorf("entities processed = %v, want [offices]", res.EntitiesProcessed)
	}
	if len(res.EntitiesFailed) != 1 || res.EntitiesFailed[0] != "patients" {
		t.Errorf("entities failed = %v, want [patients]", res.EntitiesFailed)
	}

	// fail-fast: only the first batch of patients was attempted
	er := res.EntityResults["patients"]
	if len(er.Batches) != 1 {
		t.Errorf("patients batches = %d, want 1 (fail fast)", len(er.Batches))
	}
	if !res.Recovery.Resumable {
		t.Error("run with a checkpointed failed entity should be resumable")
	}
	found := false
	for _, action := range res.Recovery.RecommendedActions {
		if strings.Contains(action, "high failure rate") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected high-failure-rate recommendation, got %v", res.Recovery.RecommendedActions)
	}
}

func TestCheckpointCountsAddUp(t *testing.T) {
	src := &fakeSrc{}
	ids := seedRecords(src, "pat", 25)
	store := newFakeStore()

	cfg := baseConfig()
	cfg.BatchSize = 10
	ex := New(src, newFakeDst(), store, testCatalog(t), cfg, nil)

	if _, err := ex.Execute(context.Background(), "run-1", []Task{
		{EntityType: "patients", RecordIDs: ids},
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	cp, err := store.GetLatestCheckpoint("run-1", "patients")
	if err != nil || cp == nil {
		t.Fatalf("GetLatestCheckpoint: %v", err)
	}
	if cp.RecordsProcessed+cp.RecordsRemaining != 25 {
		t.Errorf("processed(%d) + remaining(%d) != total(25)", cp.RecordsProcessed, cp.RecordsRemaining)
	}
	if cp.RecordsRemaining != 0 {
		t.Errorf("remaining = %d, want 0 at completion", cp.RecordsRemaining)
	}
	if cp.LastProcessedCursor != ids[len(ids)-1] {
		t.Errorf("cursor = %q, want %q", cp.LastProcessedCursor, ids[len(ids)-1])
	}
}

func TestPauseThenResumeProcessesEachRecordOnce(t *testing.T) {
	src := &fakeSrc{}
	ids := seedRecords(src, "pat", 40)
	dst := newFakeDst()
	store := newFakeStore()

	cfg := baseConfig()
	cfg.BatchSize = 1
	cfg.BatchPacing = 3 * time.Millisecond
	ex := New(src, dst, store, testCatalog(t), cfg, nil)

	type runOutcome struct {
		res *ExecutionResult
		err error
	}
	outcome := make(chan runOutcome, 1)
	go func() {
		res, err := ex.Execute(context.Background(), "run-1", []Task{
			{EntityType: "patients", RecordIDs: ids},
		})
		outcome <- runOutcome{res, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for ex.Status().OverallStatus != StatusRunning {
		if time.Now().After(deadline) {
			t.Fatal("executor never reported running")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(15 * time.Millisecond)

	cpID, err := ex.Pause(context.Background())
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if cpID == "" {
		t.Fatal("Pause returned no checkpoint id")
	}

	first := <-outcome
	if first.err != nil {
		t.Fatalf("Execute: %v", first.err)
	}
	if first.res.OverallStatus != RunPaused {
		t.Fatalf("overall status = %s, want paused", first.res.OverallStatus)
	}

	second, err := ex.Resume(context.Background(), cpID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if second.OverallStatus != RunCompleted {
		t.Fatalf("resumed status = %s, want completed", second.OverallStatus)
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	for _, id := range ids {
		if dst.writes[id] != 1 {
			t.Errorf("record %s written %d times, want exactly once", id, dst.writes[id])
		}
	}
	if got := second.EntityResults["patients"].ProcessedRecords; got != 40 {
		t.Errorf("processed after resume = %d, want 40", got)
	}
}

func TestResumeUnknownCheckpointIsError(t *testing.T) {
	ex := New(&fakeSrc{}, newFakeDst(), newFakeStore(), testCatalog(t), baseConfig(), nil)

	res, err := ex.Resume(context.Background(), "no-such-id")
	if err == nil {
		t.Fatal("expected error for unknown checkpoint id")
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want it to name the missing checkpoint", err)
	}
}

func TestPauseCheckpointsUnstartedLaterLevels(t *testing.T) {
	src := &fakeSrc{}
	officeIDs := seedRecords(src, "off", 30)
	doctorIDs := seedRecords(src, "doc", 5)
	dst := newFakeDst()
	store := newFakeStore()

	cfg := baseConfig()
	cfg.BatchSize = 1
	cfg.BatchPacing = 3 * time.Millisecond
	ex := New(src, dst, store, testCatalog(t), cfg, nil)

	type runOutcome struct {
		res *ExecutionResult
		err error
	}
	outcome := make(chan runOutcome, 1)
	go func() {
		res, err := ex.Execute(context.Background(), "run-1", []Task{
			{EntityType: "offices", RecordIDs: officeIDs},
			{EntityType: "doctors", RecordIDs: doctorIDs, Dependencies: []string{"offices"}},
		})
		outcome <- runOutcome{res, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for ex.Status().OverallStatus != StatusRunning {
		if time.Now().After(deadline) {
			t.Fatal("executor never reported running")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(15 * time.Millisecond)

	if _, err := ex.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	first := <-outcome
	if first.err != nil {
		t.Fatalf("Execute: %v", first.err)
	}
	if first.res.OverallStatus != RunPaused {
		t.Fatalf("overall status = %s, want paused", first.res.OverallStatus)
	}

	// The never-started level-2 entity must be durably checkpointed with
	// its full id list, not just reported paused in memory.
	docER := first.res.EntityResults["doctors"]
	if docER == nil || docER.Status != EntityPaused {
		t.Fatalf("doctors result = %+v, want paused", docER)
	}
	if docER.CheckpointID == "" {
		t.Fatal("paused unstarted entity has no checkpoint id")
	}
	docCP, err := store.GetCheckpoint(docER.CheckpointID)
	if err != nil || docCP == nil {
		t.Fatalf("GetCheckpoint(%q) = %v, %v", docER.CheckpointID, docCP, err)
	}
	if docCP.RecordsRemaining != 5 {
		t.Errorf("doctors checkpoint remaining = %d, want 5", docCP.RecordsRemaining)
	}

	// Resume from the durable rows alone, as the engine does.
	var cps []checkpoint.Checkpoint
	store.mu.Lock()
	for _, cp := range store.checkpoints {
		cps = append(cps, *cp)
	}
	store.mu.Unlock()

	second, err := ex.ResumeRun(context.Background(), "run-1", cps)
	if err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if second.OverallStatus != RunCompleted {
		t.Fatalf("resumed status = %s, want completed", second.OverallStatus)
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	for _, id := range append(append([]string(nil), officeIDs...), doctorIDs...) {
		if dst.writes[id] != 1 {
			t.Errorf("record %s written %d times, want exactly once", id, dst.writes[id])
		}
	}
}

func TestDependencyCycleIsDemotedNotFatal(t *testing.T) {
	src := &fakeSrc{}
	officeIDs := seedRecords(src, "off", 2)
	doctorIDs := seedRecords(src, "doc", 2)
	ex := New(src, newFakeDst(), newFakeStore(), testCatalog(t), baseConfig(), nil)

	res, err := ex.Execute(context.Background(), "run-1", []Task{
		{EntityType: "offices", RecordIDs: officeIDs, Dependencies: []string{"doctors"}},
		{EntityType: "doctors", RecordIDs: doctorIDs, Dependencies: []string{"offices"}},
	})
	if err != nil {
		t.Fatalf("cycle among tasks must not be fatal: %v", err)
	}
	if len(res.CycleMembers) != 2 {
		t.Errorf("cycle members = %v, want both entities", res.CycleMembers)
	}
	for _, level := range res.Levels {
		if len(level) != 1 {
			t.Errorf("cycle members must run in single-entity levels, got %v", res.Levels)
		}
	}
	if res.OverallStatus != RunCompleted {
		t.Errorf("overall status = %s, want completed", res.OverallStatus)
	}
	found := false
	for _, action := range res.Recovery.RecommendedActions {
		if strings.Contains(action, "cycle") {
			found = true
		}
	}
	if !found {
		t.Error("cycle demotion should be reported as a scheduling anomaly")
	}
}

func TestUnknownEntityIsConfigError(t *testing.T) {
	ex := New(&fakeSrc{}, newFakeDst(), newFakeStore(), testCatalog(t), baseConfig(), nil)
	if _, err := ex.Execute(context.Background(), "run-1", []Task{{EntityType: "invoices"}}); err == nil {
		t.Fatal("expected configuration error for unknown entity")
	}
}

func TestStatusSetsAreMutuallyExclusive(t *testing.T) {
	src := &fakeSrc{}
	officeIDs := seedRecords(src, "off", 3)
	ex := New(src, newFakeDst(), newFakeStore(), testCatalog(t), baseConfig(), nil)

	if _, err := ex.Execute(context.Background(), "run-1", []Task{
		{EntityType: "offices", RecordIDs: officeIDs},
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	st := ex.Status()
	if st.OverallStatus != StatusCompleted {
		t.Errorf("overall = %s, want completed", st.OverallStatus)
	}
	if len(st.Running) != 0 || len(st.Pending) != 0 {
		t.Errorf("completed status forbids running/pending entries: %+v", st)
	}
	if len(st.Completed) != 1 || st.Completed[0] != "offices" {
		t.Errorf("completed set = %v, want [offices]", st.Completed)
	}
	if st.CompletedAt == nil || st.StartedAt == nil || st.CompletedAt.Before(*st.StartedAt) {
		t.Error("completedAt must be set and not precede startedAt")
	}
}
