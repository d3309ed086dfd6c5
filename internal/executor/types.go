package executor

import (
	"time"
)

// Task is one unit of scheduling input: an entity, its candidate record
// ids, a priority within its dependency level, and its dependency list.
type Task struct {
	EntityType   string   `json:"entity_type"`
	RecordIDs    []string `json:"record_ids"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// RecordError is one record's failure within a batch. Retryable marks
// transient causes; data errors are final.
type RecordError struct {
	RecordID  string `json:"record_id"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Batch outcome values.
const (
	BatchSuccess        = "success"
	BatchPartialSuccess = "partial_success"
	BatchFailed         = "failed"
)

// BatchResult is one batch's outcome.
type BatchResult struct {
	BatchNumber      int           `json:"batch_number"`
	Status           string        `json:"status"`
	ProcessedRecords int           `json:"processed_records"`
	FailedRecords    int           `json:"failed_records"`
	Errors           []RecordError `json:"errors,omitempty"`
	RetryCount       int           `json:"retry_count"`
	Duration         time.Duration `json:"duration_ns"`
}

// Entity outcome values.
const (
	EntityCompleted = "completed"
	EntityFailed    = "failed"
	EntityPaused    = "paused"
)

// EntityResult aggregates one entity's batches.
type EntityResult struct {
	EntityType       string        `json:"entity_type"`
	Status           string        `json:"status"`
	TotalRecords     int           `json:"total_records"`
	ProcessedRecords int           `json:"processed_records"`
	FailedRecords    int           `json:"failed_records"`
	Batches          []BatchResult `json:"batches"`
	CheckpointID     string        `json:"checkpoint_id,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// Recovery reports whether and how a failed or paused run can continue.
type Recovery struct {
	Resumable          bool     `json:"resumable"`
	LastCheckpointID   string   `json:"last_checkpoint_id,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
}

// Overall run outcome values.
const (
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"
	RunPaused    = "paused"
)

// ExecutionResult is the aggregate outcome of one execute call.
type ExecutionResult struct {
	RunID                 string                   `json:"run_id"`
	OverallStatus         string                   `json:"overall_status"`
	Levels                [][]string               `json:"levels"`
	CycleMembers          []string                 `json:"cycle_members,omitempty"`
	EntitiesProcessed     []string                 `json:"entities_processed"`
	EntitiesFailed        []string                 `json:"entities_failed"`
	TotalRecordsProcessed int64                    `json:"total_records_processed"`
	TotalRecordsFailed    int64                    `json:"total_records_failed"`
	StartedAt             time.Time                `json:"started_at"`
	CompletedAt           time.Time                `json:"completed_at"`
	EntityResults         map[string]*EntityResult `json:"entity_results"`
	Recovery              Recovery                 `json:"recovery"`
}

// Session status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// MigrationStatus is the session-level aggregate. A given entity type
// appears in exactly one of the four sets.
type MigrationStatus struct {
	OverallStatus    string     `json:"overall_status"`
	Pending          []string   `json:"pending"`
	Running          []string   `json:"running"`
	Completed        []string   `json:"completed"`
	Failed           []string   `json:"failed"`
	TotalRecords     int64      `json:"total_records"`
	ProcessedRecords int64      `json:"processed_records"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}
