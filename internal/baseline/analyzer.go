// Package baseline measures how far the source and destination schemas
// have drifted before any differential work runs. It produces per-entity
// record gaps, an overall health classification, and ranked
// recommendations for the operator.
package baseline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/logging"
)

// Average absolute gap percentage above which the report is classified
// critical rather than merely gapped.
const criticalGapPercent = 15.0

// Counter counts rows for an entity on one side of the migration.
type Counter interface {
	Count(ctx context.Context, d entity.Descriptor) (int64, error)
}

// ColumnLister reports the destination table's column set, used to verify
// that stored field mappings still resolve after schema changes.
type ColumnLister interface {
	TableColumns(ctx context.Context, d entity.Descriptor) ([]string, error)
}

// TimestampReader supplies the last successful migration timestamp for an
// entity, giving the report its detection-cursor context.
type TimestampReader interface {
	GetLastMigrationTimestamp(entityType string) (*time.Time, error)
}

// EntityBaseline is one entity's analysis outcome. When a database was
// unreachable for this entity, Available is false and Error carries the
// cause; the rest of the report is unaffected.
type EntityBaseline struct {
	EntityType             string     `json:"entity_type"`
	SourceTable            string     `json:"source_table"`
	DestinationTable       string     `json:"destination_table"`
	SourceCount            int64      `json:"source_count"`
	DestinationCount       int64      `json:"destination_count"`
	RecordGap              int64      `json:"record_gap"`
	GapPercentage          float64    `json:"gap_percentage"`
	LastMigrationTimestamp *time.Time `json:"last_migration_timestamp,omitempty"`
	MappingValid           bool       `json:"mapping_valid"`
	MappingIssues          []string   `json:"mapping_issues,omitempty"`
	Available              bool       `json:"available"`
	Error                  string     `json:"error,omitempty"`
}

// Health classification values for a report.
const (
	HealthHealthy  = "healthy"
	HealthGaps     = "gaps_detected"
	HealthCritical = "critical_issues"
)

// Report aggregates per-entity baselines into an overall classification.
type Report struct {
	AnalysisTimestamp       time.Time        `json:"analysis_timestamp"`
	Entities                []EntityBaseline `json:"entities"`
	OverallHealth           string           `json:"overall_health"`
	TotalSourceRecords      int64            `json:"total_source_records"`
	TotalDestinationRecords int64            `json:"total_destination_records"`
	TotalGap                int64            `json:"total_gap"`
	AverageGapPercent       float64          `json:"average_gap_percent"`
	Recommendations         []string         `json:"recommendations"`
}

// Analyzer runs baseline analysis over a set of entities.
type Analyzer struct {
	src          Counter
	dst          Counter
	columns      ColumnLister
	timestamps   TimestampReader
	catalog      *entity.Catalog
	validateMaps bool
}

// New creates an analyzer. columns may be nil to skip mapping validation;
// timestamps may be nil when no checkpoint state exists yet.
func New(src, dst Counter, columns ColumnLister, timestamps TimestampReader, catalog *entity.Catalog, validateMappings bool) *Analyzer {
	return &Analyzer{
		src:          src,
		dst:          dst,
		columns:      columns,
		timestamps:   timestamps,
		catalog:      catalog,
		validateMaps: validateMappings && columns != nil,
	}
}

// Analyze produces a baseline report for the given entity types. An empty
// slice analyzes every catalogued entity. A connection failure is fatal
// only for that entity's row; sibling entities still complete.
func (a *Analyzer) Analyze(ctx context.Context, entityTypes []string) (*Report, error) {
	if len(entityTypes) == 0 {
		entityTypes = a.catalog.Types()
	}

	report := &Report{AnalysisTimestamp: time.Now().UTC()}
	availableCount := 0
	gapPercentSum := 0.0

	for _, et := range entityTypes {
		desc, err := a.catalog.Get(et)
		if err != nil {
			return nil, err
		}
		eb := a.analyzeEntity(ctx, desc)
		report.Entities = append(report.Entities, eb)

		if !eb.Available {
			continue
		}
		availableCount++
		report.TotalSourceRecords += eb.SourceCount
		report.TotalDestinationRecords += eb.DestinationCount
		report.TotalGap += eb.RecordGap
		gapPercentSum += math.Abs(eb.GapPercentage)
	}

	if availableCount > 0 {
		report.AverageGapPercent = gapPercentSum / float64(availableCount)
	}
	report.OverallHealth = classify(report)
	report.Recommendations = recommend(report)

	logging.Info("Baseline analysis complete: %d entities, health=%s, total gap=%d",
		len(report.Entities), report.OverallHealth, report.TotalGap)
	return report, nil
}

func (a *Analyzer) analyzeEntity(ctx context.Context, desc entity.Descriptor) EntityBaseline {
	eb := EntityBaseline{
		EntityType:       desc.EntityType,
		SourceTable:      desc.SourceTable,
		DestinationTable: desc.DestinationTable,
		MappingValid:     true,
		Available:        true,
	}

	srcCount, err := a.src.Count(ctx, desc)
	if err != nil {
		logging.Warn("Baseline count failed for %s source: %v", desc.EntityType, err)
		eb.Available = false
		eb.Error = fmt.Sprintf("counting source: %v", err)
		return eb
	}
	dstCount, err := a.dst.Count(ctx, desc)
	if err != nil {
		logging.Warn("Baseline count failed for %s destination: %v", desc.EntityType, err)
		eb.Available = false
		eb.Error = fmt.Sprintf("counting destination: %v", err)
		return eb
	}

	eb.SourceCount = srcCount
	eb.DestinationCount = dstCount
	eb.RecordGap = srcCount - dstCount
	if srcCount > 0 {
		eb.GapPercentage = float64(eb.RecordGap) / float64(srcCount) * 100
	}

	if a.timestamps != nil {
		if ts, err := a.timestamps.GetLastMigrationTimestamp(desc.EntityType); err == nil {
			eb.LastMigrationTimestamp = ts
		}
	}

	if a.validateMaps {
		eb.MappingIssues = a.validateMapping(ctx, desc)
		eb.MappingValid = len(eb.MappingIssues) == 0
	}
	return eb
}

// validateMapping checks that the destination table still carries every
// column the entity's comparison mapping references.
func (a *Analyzer) validateMapping(ctx context.Context, desc entity.Descriptor) []string {
	cols, err := a.columns.TableColumns(ctx, desc)
	if err != nil {
		return []string{fmt.Sprintf("listing destination columns: %v", err)}
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}

	var issues []string
	required := append([]string{desc.PrimaryKey}, desc.CompareColumns...)
	if desc.ModifiedColumn != "" {
		required = append(required, desc.ModifiedColumn)
	}
	for _, c := range required {
		if !have[c] {
			issues = append(issues, fmt.Sprintf("column %q missing from %s", c, desc.DestinationTable))
		}
	}
	return issues
}

func classify(r *Report) string {
	anyMappingInvalid := false
	anyGap := false
	anyUnavailable := false
	for _, eb := range r.Entities {
		if !eb.Available {
			anyUnavailable = true
			continue
		}
		if !eb.MappingValid {
			anyMappingInvalid = true
		}
		if eb.RecordGap != 0 {
			anyGap = true
		}
	}
	switch {
	case anyMappingInvalid || r.AverageGapPercent > criticalGapPercent:
		return HealthCritical
	case anyGap || anyUnavailable:
		return HealthGaps
	default:
		return HealthHealthy
	}
}

// recommend produces ranked, human-actionable guidance: most severe first.
func recommend(r *Report) []string {
	var (
		unavailable []string
		invalid     []string
		gapped      []string
	)
	for _, eb := range r.Entities {
		switch {
		case !eb.Available:
			unavailable = append(unavailable, eb.EntityType)
		case !eb.MappingValid:
			invalid = append(invalid, eb.EntityType)
		case eb.RecordGap != 0:
			gapped = append(gapped, eb.EntityType)
		}
	}
	sort.Strings(unavailable)
	sort.Strings(invalid)
	sort.Strings(gapped)

	var recs []string
	if len(invalid) > 0 {
		recs = append(recs, fmt.Sprintf("%d entities have invalid field mappings (%s) - fix mappings before any migration run",
			len(invalid), joinPreview(invalid)))
	}
	if r.AverageGapPercent > criticalGapPercent {
		recs = append(recs, fmt.Sprintf("average record gap is %.1f%%, above the %.0f%% critical threshold - a full baseline migration may be faster than a differential run",
			r.AverageGapPercent, criticalGapPercent))
	}
	if len(unavailable) > 0 {
		recs = append(recs, fmt.Sprintf("%d entities could not be analyzed (%s) - check database connectivity and re-run",
			len(unavailable), joinPreview(unavailable)))
	}
	if len(gapped) > 0 {
		recs = append(recs, fmt.Sprintf("%d entities have record gaps (%s) - investigate before the differential run",
			len(gapped), joinPreview(gapped)))
	}
	if len(recs) == 0 {
		recs = append(recs, "source and destination are in sync - no migration work required")
	}
	return recs
}

func joinPreview(names []string) string {
	const max = 5
	if len(names) <= max {
		out := names[0]
		for _, n := range names[1:] {
			out += ", " + n
		}
		return out
	}
	out := names[0]
	for _, n := range names[1:max] {
		out += ", " + n
	}
	return fmt.Sprintf("%s and %d more", out, len(names)-max)
}
