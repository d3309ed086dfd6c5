package detect

import (
	"context"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/source"
)

type fakeSide struct {
	keys    []source.Key
	records map[string]source.Record
}

func (f *fakeSide) Count(ctx context.Context, d entity.Descriptor) (int64, error) {
	return int64(len(f.keys)), nil
}

func (f *fakeSide) ScanKeys(ctx context.Context, d entity.Descriptor, afterID string, limit int) ([]source.Key, error) {
	var out []source.Key
	for _, k := range f.keys {
		if afterID != "" && compareIDs(k.ID, afterID) <= 0 {
			continue
		}
		out = append(out, k)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSide) ScanKeysModifiedSince(ctx context.Context, d entity.Descriptor, cursor time.Time, afterID string, limit int) ([]source.Key, error) {
	var out []source.Key
	for _, k := range f.keys {
		if k.ModifiedAt == nil || !k.ModifiedAt.After(cursor) {
			continue
		}
		if afterID != "" && compareIDs(k.ID, afterID) <= 0 {
			continue
		}
		out = append(out, k)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSide) ExistingIDs(ctx context.Context, d entity.Descriptor, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := f.records[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeSide) FetchRecords(ctx context.Context, d entity.Descriptor, ids []string) ([]source.Record, error) {
	var out []source.Record
	for _, id := range ids {
		if r, ok := f.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeHashes struct {
	stored map[string]string
}

func (f *fakeHashes) GetEntityHashes(entityType string, limit int) (map[string]string, error) {
	out := make(map[string]string, len(f.stored))
	for k, v := range f.stored {
		out[k] = v
	}
	return out, nil
}

func (f *fakeHashes) UpsertEntityHashes(entityType string, hashes map[string]string) error {
	if f.stored == nil {
		f.stored = make(map[string]string)
	}
	for k, v := range hashes {
		f.stored[k] = v
	}
	return nil
}

func testCatalog(t *testing.T) *entity.Catalog {
	t.Helper()
	cat, err := entity.NewCatalog([]entity.Descriptor{{
		EntityType:       "patients",
		SourceTable:      "dbo.Patients",
		DestinationTable: "public.patients",
		PrimaryKey:       "id",
		ModifiedColumn:   "updated_at",
		CompareColumns:   []string{"name", "email"},
	}})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	return cat
}

func tsPtr(t time.Time) *time.Time { return &t }

func TestTimestampStrategyStrictlyGreaterCursor(t *testing.T) {
	cursor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSide{
		keys: []source.Key{
			{ID: "1", ModifiedAt: tsPtr(cursor)},                      // exactly at cursor: excluded
			{ID: "2", ModifiedAt: tsPtr(cursor.Add(time.Second))},     // after cursor: new
			{ID: "3", ModifiedAt: tsPtr(cursor.Add(-1 * time.Hour))}, // before cursor: excluded
		},
	}
	dst := &fakeSide{records: map[string]source.Record{}}

	dt := New(src, dst, &fakeHashes{}, testCatalog(t))
	res, err := dt.DetectChanges(context.Background(), "patients", TimestampStrategy{Cursor: cursor}, Options{BatchSize: 100})
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if len(res.NewRecords) != 1 || res.NewRecords[0] != "2" {
		t.Errorf("new records = %v, want [2]", res.NewRecords)
	}
	if len(res.ModifiedRecords) != 0 {
		t.Errorf("modified records = %v, want none", res.ModifiedRecords)
	}
	if res.Summary.NewCount != 1 {
		t.Errorf("summary new count = %d, want 1", res.Summary.NewCount)
	}
}

func TestTimestampStrategyHashFiltersTimestampChurn(t *testing.T) {
	cursor := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	after := cursor.Add(time.Minute)
	src := &fakeSide{
		keys: []source.Key{
			{ID: "10", ModifiedAt: &after},
			{ID: "11", ModifiedAt: &after},
		},
		records: map[string]source.Record{
			"10": {ID: "10", ModifiedAt: &after, Fields: map[string]any{"name": "Ada", "email": "ada@example.com"}},
			"11": {ID: "11", ModifiedAt: &after, Fields: map[string]any{"name": "Grace", "email": "grace@example.com"}},
		},
	}
	dst := &fakeSide{
		records: map[string]source.Record{
			// same content as source: touched but unchanged
			"10": {ID: "10", Fields: map[string]any{"name": "Ada", "email": "ada@example.com"}},
			// differing content: genuinely modified
			"11": {ID: "11", Fields: map[string]any{"name": "Grace", "email": "old@example.com"}},
		},
	}

	dt := New(src, dst, &fakeHashes{}, testCatalog(t))
	res, err := dt.DetectChanges(context.Background(), "patients", TimestampStrategy{Cursor: cursor},
		Options{BatchSize: 100, EnableContentHashing: true})
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if len(res.ModifiedRecords) != 1 || res.ModifiedRecords[0] != "11" {
		t.Fatalf("modified records = %v, want [11]", res.ModifiedRecords)
	}
	var change ChangeRecord
	for _, c := range res.Changes {
		if c.RecordID == "11" {
			change = c
		}
	}
	if change.ContentHash == "" || change.ContentHash == change.PreviousContentHash {
		t.Errorf("modified record must carry differing hashes, got %q vs %q",
			change.ContentHash, change.PreviousContentHash)
	}
	if change.Confidence != 1.0 {
		t.Errorf("hash-confirmed modification confidence = %v, want 1.0", change.Confidence)
	}
}

func TestIDStrategyClassifiesLaterKeysAsNew(t *testing.T) {
	src := &fakeSide{
		keys: []source.Key{{ID: "5"}, {ID: "9"}, {ID: "10"}, {ID: "12"}},
	}
	dst := &fakeSide{records: map[string]source.Record{}}

	dt := New(src, dst, &fakeHashes{}, testCatalog(t))
	res, err := dt.DetectChanges(context.Background(), "patients", IDStrategy{LastProcessedID: "9"}, Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	want := []string{"10", "12"}
	if len(res.NewRecords) != len(want) {
		t.Fatalf("new records = %v, want %v", res.NewRecords, want)
	}
	for i, id := range want {
		if res.NewRecords[i] != id {
			t.Errorf("new records[%d] = %q, want %q", i, res.NewRecords[i], id)
		}
	}
}

func TestChecksumStrategyAgainstStoredHashes(t *testing.T) {
	fields := func(name string) map[string]any { return map[string]any{"name": name, "email": "x@example.com"} }
	src := &fakeSide{
		keys: []source.Key{{ID: "1"}, {ID: "2"}, {ID: "3"}},
		records: map[string]source.Record{
			"1": {ID: "1", Fields: fields("unchanged")},
			"2": {ID: "2", Fields: fields("edited")},
			"3": {ID: "3", Fields: fields("brand new")},
		},
	}
	dst := &fakeSide{records: map[string]source.Record{}}
	desc := entity.Descriptor{CompareColumns: []string{"name", "email"}}
	hashes := &fakeHashes{stored: map[string]string{
		"1": CanonicalHash(fields("unchanged"), desc.CompareColumns),
		"2": CanonicalHash(fields("original"), desc.CompareColumns),
		"4": CanonicalHash(fields("was removed"), desc.CompareColumns),
	}}

	dt := New(src, dst, hashes, testCatalog(t))
	res, err := dt.DetectChanges(context.Background(), "patients", ChecksumStrategy{},
		Options{BatchSize: 100, IncludeDeletes: true})
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if len(res.NewRecords) != 1 || res.NewRecords[0] != "3" {
		t.Errorf("new records = %v, want [3]", res.NewRecords)
	}
	if len(res.ModifiedRecords) != 1 || res.ModifiedRecords[0] != "2" {
		t.Errorf("modified records = %v, want [2]", res.ModifiedRecords)
	}
	if len(res.DeletedRecords) != 1 || res.DeletedRecords[0] != "4" {
		t.Errorf("deleted records = %v, want [4]", res.DeletedRecords)
	}
	if _, ok := res.AnalysisMetadata["computed_hashes"].(map[string]string); !ok {
		t.Error("result must carry computed hashes for post-migration commit")
	}
}

func TestResultSetsArePairwiseDisjoint(t *testing.T) {
	cursor := time.Time{}
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSide{
		keys: []source.Key{
			{ID: "1", ModifiedAt: &after},
			{ID: "2", ModifiedAt: &after},
		},
	}
	dst := &fakeSide{
		keys:    []source.Key{{ID: "2"}, {ID: "9"}},
		records: map[string]source.Record{"2": {ID: "2"}},
	}

	dt := New(src, dst, &fakeHashes{}, testCatalog(t))
	res, err := dt.DetectChanges(context.Background(), "patients", TimestampStrategy{Cursor: cursor},
		Options{BatchSize: 100, IncludeDeletes: true})
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}

	seen := make(map[string]string)
	check := func(set []string, name string) {
		for _, id := range set {
			if prev, dup := seen[id]; dup {
				t.Errorf("record %s appears in both %s and %s", id, prev, name)
			}
			seen[id] = name
		}
	}
	check(res.NewRecords, "new")
	check(res.ModifiedRecords, "modified")
	check(res.DeletedRecords, "deleted")

	if len(res.DeletedRecords) != 1 || res.DeletedRecords[0] != "9" {
		t.Errorf("deleted records = %v, want [9]", res.DeletedRecords)
	}
}

func TestAnalysisCeilingIsAnError(t *testing.T) {
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSide{keys: []source.Key{
		{ID: "1", ModifiedAt: &after},
		{ID: "2", ModifiedAt: &after},
		{ID: "3", ModifiedAt: &after},
	}}
	dst := &fakeSide{records: map[string]source.Record{}}

	dt := New(src, dst, &fakeHashes{}, testCatalog(t))
	_, err := dt.DetectChanges(context.Background(), "patients", TimestampStrategy{},
		Options{BatchSize: 100, MaxAnalysisRecords: 2})
	if err == nil {
		t.Fatal("expected ceiling error, got nil")
	}
}

func TestUnknownEntityTypeFailsImmediately(t *testing.T) {
	dt := New(&fakeSide{}, &fakeSide{}, &fakeHashes{}, testCatalog(t))
	_, err := dt.DetectChanges(context.Background(), "invoices", TimestampStrategy{}, Options{BatchSize: 100})
	if err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}

func TestCanonicalHash(t *testing.T) {
	t.Run("order independent", func(t *testing.T) {
		a := CanonicalHash(map[string]any{"b": 2, "a": 1}, []string{"a", "b"})
		b := CanonicalHash(map[string]any{"a": 1, "b": 2}, []string{"b", "a"})
		if a != b {
			t.Errorf("hash differs across key order: %s vs %s", a, b)
		}
	})
	t.Run("value change alters hash", func(t *testing.T) {
		a := CanonicalHash(map[string]any{"a": 1}, []string{"a"})
		b := CanonicalHash(map[string]any{"a": 2}, []string{"a"})
		if a == b {
			t.Error("distinct values hashed identically")
		}
	})
	t.Run("times normalized to UTC", func(t *testing.T) {
		loc := time.FixedZone("X", 3600)
		instant := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		a := CanonicalHash(map[string]any{"t": instant}, []string{"t"})
		b := CanonicalHash(map[string]any{"t": instant.In(loc)}, []string{"t"})
		if a != b {
			t.Error("same instant in different zones hashed differently")
		}
	})
	t.Run("columns outside compare set ignored", func(t *testing.T) {
		a := CanonicalHash(map[string]any{"a": 1, "noise": "x"}, []string{"a"})
		b := CanonicalHash(map[string]any{"a": 1, "noise": "y"}, []string{"a"})
		if a != b {
			t.Error("non-compared column affected the hash")
		}
	})
}
