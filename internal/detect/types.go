package detect

import (
	"time"
)

// ChangeType classifies one detected record change.
type ChangeType string

const (
	ChangeNew      ChangeType = "new"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// ChangeRecord describes one record's detected change within a pass. Change
// records are transient; only the aggregated result outlives the pass.
type ChangeRecord struct {
	RecordID             string         `json:"record_id"`
	ChangeType           ChangeType     `json:"change_type"`
	SourceTimestamp      *time.Time     `json:"source_timestamp,omitempty"`
	DestinationTimestamp *time.Time     `json:"destination_timestamp,omitempty"`
	ContentHash          string         `json:"content_hash,omitempty"`
	PreviousContentHash  string         `json:"previous_content_hash,omitempty"`
	Confidence           float64        `json:"confidence"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Summary aggregates change counts for a pass.
type Summary struct {
	NewCount      int     `json:"new_count"`
	ModifiedCount int     `json:"modified_count"`
	DeletedCount  int     `json:"deleted_count"`
	ChangePercent float64 `json:"change_percent"`
}

// Performance reports how the pass behaved.
type Performance struct {
	Duration         time.Duration `json:"duration_ns"`
	QueriesExecuted  int           `json:"queries_executed"`
	RecordsPerSecond float64       `json:"records_per_second"`
}

// Result is the output of one detection pass over one entity. The three id
// sets are pairwise disjoint: a record appears in at most one category.
type Result struct {
	EntityType             string         `json:"entity_type"`
	AnalysisTimestamp      time.Time      `json:"analysis_timestamp"`
	SourceRecordCount      int64          `json:"source_record_count"`
	DestinationRecordCount int64          `json:"destination_record_count"`
	NewRecords             []string       `json:"new_records"`
	ModifiedRecords        []string       `json:"modified_records"`
	DeletedRecords         []string       `json:"deleted_records"`
	Changes                []ChangeRecord `json:"changes,omitempty"`
	LastMigrationTimestamp *time.Time     `json:"last_migration_timestamp,omitempty"`
	Summary                Summary        `json:"summary"`
	Performance            Performance    `json:"performance"`
	AnalysisMetadata       map[string]any `json:"analysis_metadata,omitempty"`
}

// RecordGap returns sourceCount - destinationCount for this pass.
func (r *Result) RecordGap() int64 {
	return r.SourceRecordCount - r.DestinationRecordCount
}

// TotalChanged returns the total number of ids across the three sets.
func (r *Result) TotalChanged() int {
	return len(r.NewRecords) + len(r.ModifiedRecords) + len(r.DeletedRecords)
}

// Options control one detection pass.
type Options struct {
	BatchSize            int
	IncludeDeletes       bool
	EnableContentHashing bool
	MaxAnalysisRecords   int
}

// Strategy is the tagged variant selecting how changes are detected. Each
// case carries only the cursor state its algorithm needs; dispatch happens
// in a single DetectChanges entry point.
type Strategy interface {
	Name() string
	strategy() // sealed
}

// TimestampStrategy classifies source rows with a modification timestamp
// strictly greater than Cursor as new or modified. It requires a reliable,
// monotonically-updated timestamp column on the entity.
type TimestampStrategy struct {
	Cursor time.Time
}

func (TimestampStrategy) Name() string { return "timestamp" }
func (TimestampStrategy) strategy()    {}

// IDStrategy classifies rows with a primary key greater than
// LastProcessedID as new; earlier ids are checked for modification via
// content hash when hashing is enabled, else skipped.
type IDStrategy struct {
	LastProcessedID string
}

func (IDStrategy) Name() string { return "id" }
func (IDStrategy) strategy()    {}

// ChecksumStrategy hashes every source row and compares against the stored
// per-entity hash map: a mismatch is modified, a hash absent from the
// stored tracking is new.
type ChecksumStrategy struct{}

func (ChecksumStrategy) Name() string { return "checksum" }
func (ChecksumStrategy) strategy()    {}
