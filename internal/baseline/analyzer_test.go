package baseline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/entity"
)

type fakeCounter struct {
	counts map[string]int64
	errs   map[string]error
}

func (f *fakeCounter) Count(ctx context.Context, d entity.Descriptor) (int64, error) {
	if err := f.errs[d.EntityType]; err != nil {
		return 0, err
	}
	return f.counts[d.EntityType], nil
}

type fakeColumns struct {
	columns map[string][]string
}

func (f *fakeColumns) TableColumns(ctx context.Context, d entity.Descriptor) ([]string, error) {
	return f.columns[d.EntityType], nil
}

type fakeTimestamps struct {
	ts map[string]*time.Time
}

func (f *fakeTimestamps) GetLastMigrationTimestamp(entityType string) (*time.Time, error) {
	return f.ts[entityType], nil
}

func testCatalog(t *testing.T) *entity.Catalog {
	t.Helper()
	cat, err := entity.NewCatalog([]entity.Descriptor{
		{
			EntityType:       "offices",
			SourceTable:      "dbo.Offices",
			DestinationTable: "public.offices",
			PrimaryKey:       "id",
			CompareColumns:   []string{"name"},
		},
		{
			EntityType:       "doctors",
			SourceTable:      "dbo.Doctors",
			DestinationTable: "public.doctors",
			PrimaryKey:       "id",
			CompareColumns:   []string{"name", "specialty"},
			Dependencies:     []string{"offices"},
		},
	})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	return cat
}

func TestAnalyzeHealthy(t *testing.T) {
	src := &fakeCounter{counts: map[string]int64{"offices": 10, "doctors": 40}}
	dst := &fakeCounter{counts: map[string]int64{"offices": 10, "doctors": 40}}

	a := New(src, dst, nil, nil, testCatalog(t), false)
	report, err := a.Analyze(context.Background(), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if report.OverallHealth != HealthHealthy {
		t.Errorf("health = %s, want %s", report.OverallHealth, HealthHealthy)
	}
	if report.TotalGap != 0 {
		t.Errorf("total gap = %d, want 0", report.TotalGap)
	}
	if len(report.Recommendations) != 1 || !strings.Contains(report.Recommendations[0], "in sync") {
		t.Errorf("unexpected recommendations: %v", report.Recommendations)
	}
}

func TestAnalyzeRecordGapExact(t *testing.T) {
	src := &fakeCounter{counts: map[string]int64{"offices": 100, "doctors": 50}}
	dst := &fakeCounter{counts: map[string]int64{"offices": 95, "doctors": 50}}

	a := New(src, dst, nil, nil, testCatalog(t), false)
	report, err := a.Analyze(context.Background(), []string{"offices", "doctors"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var offices EntityBaseline
	for _, eb := range report.Entities {
		if eb.EntityType == "offices" {
			offices = eb
		}
	}
	if got := offices.SourceCount - offices.DestinationCount; offices.RecordGap != got {
		t.Errorf("record gap = %d, want sourceCount-destinationCount = %d", offices.RecordGap, got)
	}
	if offices.RecordGap != 5 {
		t.Errorf("record gap = %d, want 5", offices.RecordGap)
	}
	if report.OverallHealth != HealthGaps {
		t.Errorf("health = %s, want %s", report.OverallHealth, HealthGaps)
	}
}

func TestAnalyzeCriticalAboveThreshold(t *testing.T) {
	src := &fakeCounter{counts: map[string]int64{"offices": 100, "doctors": 100}}
	dst := &fakeCounter{counts: map[string]int64{"offices": 60, "doctors": 100}}

	a := New(src, dst, nil, nil, testCatalog(t), false)
	report, err := a.Analyze(context.Background(), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	// 40% + 0% gaps average to 20%, above the 15% ceiling
	if report.OverallHealth != HealthCritical {
		t.Errorf("health = %s, want %s (avg gap %.1f%%)", report.OverallHealth, HealthCritical, report.AverageGapPercent)
	}
}

func TestAnalyzeEntityFailureIsIsolated(t *testing.T) {
	src := &fakeCounter{
		counts: map[string]int64{"doctors": 40},
		errs:   map[string]error{"offices": errors.New("connection refused")},
	}
	dst := &fakeCounter{counts: map[string]int64{"doctors": 40}}

	a := New(src, dst, nil, nil, testCatalog(t), false)
	report, err := a.Analyze(context.Background(), nil)
	if err != nil {
		t.Fatalf("Analyze must not fail for a single entity: %v", err)
	}
	var offices, doctors EntityBaseline
	for _, eb := range report.Entities {
		switch eb.EntityType {
		case "offices":
			offices = eb
		case "doctors":
			doctors = eb
		}
	}
	if offices.Available {
		t.Error("offices should be marked unavailable")
	}
	if offices.Error == "" {
		t.Error("unavailable entity must carry its error")
	}
	if !doctors.Available {
		t.Error("doctors analysis should have completed")
	}
}

func TestAnalyzeMappingValidation(t *testing.T) {
	src := &fakeCounter{counts: map[string]int64{"offices": 1, "doctors": 1}}
	dst := &fakeCounter{counts: map[string]int64{"offices": 1, "doctors": 1}}
	cols := &fakeColumns{columns: map[string][]string{
		"offices": {"id", "name"},
		"doctors": {"id", "name"}, // missing specialty
	}}

	a := New(src, dst, cols, nil, testCatalog(t), true)
	report, err := a.Analyze(context.Background(), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if report.OverallHealth != HealthCritical {
		t.Errorf("health = %s, want %s for invalid mapping", report.OverallHealth, HealthCritical)
	}
	for _, eb := range report.Entities {
		if eb.EntityType == "doctors" {
			if eb.MappingValid {
				t.Error("doctors mapping should be invalid")
			}
			if len(eb.MappingIssues) != 1 || !strings.Contains(eb.MappingIssues[0], "specialty") {
				t.Errorf("mapping issues = %v, want one naming specialty", eb.MappingIssues)
			}
		}
	}
}

func TestAnalyzeLastMigrationTimestampCarried(t *testing.T) {
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeCounter{counts: map[string]int64{"offices": 1, "doctors": 1}}
	dst := &fakeCounter{counts: map[string]int64{"offices": 1, "doctors": 1}}
	stamps := &fakeTimestamps{ts: map[string]*time.Time{"offices": &ts}}

	a := New(src, dst, nil, stamps, testCatalog(t), false)
	report, err := a.Analyze(context.Background(), []string{"offices"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if report.Entities[0].LastMigrationTimestamp == nil || !report.Entities[0].LastMigrationTimestamp.Equal(ts) {
		t.Errorf("last migration timestamp = %v, want %v", report.Entities[0].LastMigrationTimestamp, ts)
	}
}

func TestAnalyzeUnknownEntity(t *testing.T) {
	a := New(&fakeCounter{}, &fakeCounter{}, nil, nil, testCatalog(t), false)
	if _, err := a.Analyze(context.Background(), []string{"invoices"}); err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}
